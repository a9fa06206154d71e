package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bili/radar-go/internal/model"
	"go.uber.org/zap"
)

func TestBroadcastFanout_PrunesFailedConnection(t *testing.T) {
	r := NewConnectionRegistry(false, zap.NewNop())
	s1, c1 := newSession("c1", "u1")
	s2, c2 := newSession("c2", "u2")
	s3, c3 := newSession("c3", "")
	c2.fail = true
	r.Register(s1)
	r.Register(s2)
	r.Register(s3)

	var mu sync.Mutex
	var prunedUsers []string
	notified := make(chan struct{}, 1)
	f := NewBroadcastFanout(r, 8, 4, time.Second, func(userID string) {
		mu.Lock()
		prunedUsers = append(prunedUsers, userID)
		mu.Unlock()
		notified <- struct{}{}
	}, zap.NewNop())

	f.Deliver(context.Background(), model.NewStatusChange("u9", model.StatusOnline, time.Now()))
	waitFor(t, time.Second, func() bool { return c1.count() == 1 && c3.count() == 1 })
	waitFor(t, time.Second, c2.isClosed)
	if _, ok := r.Get("c2"); ok {
		t.Error("failed connection should be removed from the registry")
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("onPrune was not called")
	}
	mu.Lock()
	if len(prunedUsers) != 1 || prunedUsers[0] != "u2" {
		t.Errorf("expected onPrune(u2), got %v", prunedUsers)
	}
	mu.Unlock()

	// 后续广播不再发给已移除的连接
	f.Deliver(context.Background(), model.NewStatusChange("u9", model.StatusOffline, time.Now()))
	waitFor(t, time.Second, func() bool { return c1.count() == 2 && c3.count() == 2 })
	if c2.count() != 0 {
		t.Errorf("failed connection should not receive events, got %d", c2.count())
	}
}

func TestBroadcastFanout_SlowPeerDoesNotDelayOthers(t *testing.T) {
	r := NewConnectionRegistry(false, zap.NewNop())
	healthy, healthyConn := newSession("c1", "u1")
	slowConn := &fakeConn{gate: make(chan struct{})}
	slow := model.NewConnectionSession("c2", "u2", slowConn)
	defer close(slowConn.gate)
	r.Register(healthy)
	r.Register(slow)

	f := NewBroadcastFanout(r, 16, 8, 5*time.Second, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	start := time.Now()
	f.Broadcast(model.NewStatusChange("a", model.StatusOnline, time.Now()))
	f.Broadcast(model.NewStatusChange("b", model.StatusOnline, time.Now()))
	waitFor(t, time.Second, func() bool { return healthyConn.count() == 2 })
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("healthy connection waited %v for the slow peer", elapsed)
	}
}

func TestBroadcastFanout_FullSendBufferPrunes(t *testing.T) {
	r := NewConnectionRegistry(false, zap.NewNop())
	healthy, healthyConn := newSession("c1", "u1")
	slowConn := &fakeConn{gate: make(chan struct{})}
	slow := model.NewConnectionSession("c2", "u2", slowConn)
	defer close(slowConn.gate)
	r.Register(healthy)
	r.Register(slow)

	notified := make(chan string, 1)
	f := NewBroadcastFanout(r, 4, 1, 5*time.Second, func(userID string) { notified <- userID }, zap.NewNop())

	var pruned []string
	for i := 1; i <= 3; i++ {
		pruned = append(pruned, f.Deliver(context.Background(), model.NewStatusChange("x", model.StatusOnline, time.Now()))...)
		want := i
		waitFor(t, time.Second, func() bool { return healthyConn.count() == want })
	}

	if len(pruned) != 1 || pruned[0] != "c2" {
		t.Fatalf("expected the slow connection pruned once, got %v", pruned)
	}
	if !slow.IsClosed() || r.IsUserConnected("u2") {
		t.Error("slow connection should be closed and unregistered")
	}
	select {
	case userID := <-notified:
		if userID != "u2" {
			t.Errorf("expected onPrune(u2), got %s", userID)
		}
	case <-time.After(time.Second):
		t.Fatal("onPrune was not called")
	}
}

func TestBroadcastFanout_PreservesOrder(t *testing.T) {
	r := NewConnectionRegistry(false, zap.NewNop())
	s, conn := newSession("c1", "")
	r.Register(s)

	f := NewBroadcastFanout(r, 16, 4, time.Second, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	users := []string{"a", "b", "c", "d", "e"}
	for _, u := range users {
		f.Broadcast(model.NewStatusChange(u, model.StatusOnline, time.Now()))
	}
	waitFor(t, time.Second, func() bool { return conn.count() == len(users) })
	cancel()
	<-done

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, raw := range conn.messages {
		var ev model.StatusChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("invalid payload: %v", err)
		}
		if ev.UserID != users[i] {
			t.Errorf("event %d: expected %s, got %s", i, users[i], ev.UserID)
		}
	}
}

func TestBroadcastFanout_DropsAfterStop(t *testing.T) {
	r := NewConnectionRegistry(false, zap.NewNop())
	f := NewBroadcastFanout(r, 0, 1, time.Second, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Run(ctx)

	returned := make(chan struct{})
	go func() {
		f.Broadcast(model.NewStatusChange("u1", model.StatusOnline, time.Now()))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("broadcast after stop should not block")
	}
}

func TestBroadcastFanout_PayloadShape(t *testing.T) {
	r := NewConnectionRegistry(false, zap.NewNop())
	s, conn := newSession("c1", "")
	r.Register(s)
	f := NewBroadcastFanout(r, 1, 1, time.Second, nil, zap.NewNop())

	f.Deliver(context.Background(), model.NewUserRemoved("u1", time.Now()))
	waitFor(t, time.Second, func() bool { return conn.count() == 1 })
	conn.mu.Lock()
	defer conn.mu.Unlock()

	var got map[string]interface{}
	if err := json.Unmarshal(conn.messages[0], &got); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if got["type"] != "user_removed" || got["user_id"] != "u1" || got["reason"] != "silent_decay" {
		t.Errorf("unexpected payload: %v", got)
	}
}
