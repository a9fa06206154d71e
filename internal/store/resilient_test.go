package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bili/radar-go/internal/model"
	"go.uber.org/zap"
)

var errBackendDown = errors.New("backend down")

// flakyStore 可切换为不可用状态的后端
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyStore) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	if f.isDown() {
		return nil, errBackendDown
	}
	return f.MemoryStore.Get(ctx, userID)
}

func (f *flakyStore) Upsert(ctx context.Context, rec model.PresenceRecord) error {
	if f.isDown() {
		return errBackendDown
	}
	return f.MemoryStore.Upsert(ctx, rec)
}

func (f *flakyStore) QueryEligible(ctx context.Context) ([]model.PresenceRecord, error) {
	if f.isDown() {
		return nil, errBackendDown
	}
	return f.MemoryStore.QueryEligible(ctx)
}

func (f *flakyStore) QueryDecayed(ctx context.Context) ([]model.PresenceRecord, error) {
	if f.isDown() {
		return nil, errBackendDown
	}
	return f.MemoryStore.QueryDecayed(ctx)
}

func TestResilientStore_OutageKeepsTransitionsInMemory(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore(zap.NewNop())}
	s := NewResilientStore(backend, zap.NewNop())
	ctx := context.Background()

	if err := s.Upsert(ctx, model.PresenceRecord{UserID: "u1", Status: model.StatusOnline, CreditBalance: 2}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	backend.setDown(true)
	if err := s.Upsert(ctx, model.PresenceRecord{UserID: "u1", Status: model.StatusOffline, CreditBalance: 2}); err != nil {
		t.Fatalf("Upsert during outage should not fail, got %v", err)
	}
	if s.Dirty() != 1 {
		t.Fatalf("expected 1 dirty record, got %d", s.Dirty())
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get during outage failed: %v", err)
	}
	if got.Status != model.StatusOffline {
		t.Errorf("expected in-memory offline status, got %s", got.Status)
	}

	eligible, err := s.QueryEligible(ctx)
	if err != nil {
		t.Fatalf("QueryEligible during outage failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].Status != model.StatusOffline {
		t.Errorf("unexpected eligible set during outage: %+v", eligible)
	}

	if n := s.Retry(ctx); n != 0 {
		t.Errorf("retry while down should flush nothing, flushed %d", n)
	}

	backend.setDown(false)
	if n := s.Retry(ctx); n != 1 {
		t.Errorf("expected 1 flushed record, got %d", n)
	}
	if s.Dirty() != 0 {
		t.Errorf("expected no dirty records after retry, got %d", s.Dirty())
	}

	persisted, err := backend.MemoryStore.Get(ctx, "u1")
	if err != nil || persisted.Status != model.StatusOffline {
		t.Errorf("backend not updated after retry: %+v, %v", persisted, err)
	}
}

func TestResilientStore_UnknownUserDuringOutage(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore(zap.NewNop())}
	s := NewResilientStore(backend, zap.NewNop())
	backend.setDown(true)

	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, errBackendDown) {
		t.Errorf("expected backend error for unknown user, got %v", err)
	}
	if _, err := s.QueryEligible(context.Background()); !errors.Is(err, errBackendDown) {
		t.Errorf("expected backend error with empty memory, got %v", err)
	}
}

func TestResilientStore_DirtyOverridesBackendQuery(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore(zap.NewNop())}
	s := NewResilientStore(backend, zap.NewNop())
	ctx := context.Background()

	_ = s.Upsert(ctx, model.PresenceRecord{UserID: "u1", Status: model.StatusOnline})
	backend.setDown(true)
	_ = s.Upsert(ctx, model.PresenceRecord{UserID: "u1", Status: model.StatusOffline})
	backend.setDown(false)

	// 后端仍是 online，但内存中的 offline+0 记录更新
	eligible, err := s.QueryEligible(ctx)
	if err != nil {
		t.Fatalf("QueryEligible failed: %v", err)
	}
	if len(eligible) != 0 {
		t.Errorf("dirty decayed record should hide the user, got %+v", eligible)
	}
	decayedRecs, _ := s.QueryDecayed(ctx)
	if len(decayedRecs) != 1 {
		t.Errorf("expected the dirty record in decayed set, got %+v", decayedRecs)
	}
}

func TestResilientStore_PatchMergesOverBackend(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore(zap.NewNop())}
	s := NewResilientStore(backend, zap.NewNop())
	ctx := context.Background()
	_ = backend.MemoryStore.Upsert(ctx, model.PresenceRecord{
		UserID: "u1", Status: model.StatusOnline, CreditBalance: 7,
		Latitude: 1, Longitude: 2, HasLocation: true,
	})

	backend.setDown(true)
	if err := s.Patch(ctx, "u1", func(r *model.PresenceRecord) { r.Status = model.StatusOffline }); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if err := s.Patch(ctx, "ghost", func(r *model.PresenceRecord) { r.Status = model.StatusOnline }); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if _, err := s.Get(ctx, "u1"); !errors.Is(err, errBackendDown) {
		t.Errorf("patched record without a base should stay unknown, got %v", err)
	}
	if n := s.Retry(ctx); n != 0 {
		t.Errorf("retry while down should flush nothing, flushed %d", n)
	}

	backend.setDown(false)
	got, err := s.Get(ctx, "u1")
	if err != nil || got.Status != model.StatusOffline || got.CreditBalance != 7 {
		t.Errorf("patch should apply over the stored record: %+v, %v", got, err)
	}
	eligible, _ := s.QueryEligible(ctx)
	if len(eligible) != 2 || eligible[0].UserID != "ghost" || eligible[1].Status != model.StatusOffline {
		t.Errorf("unexpected eligible set: %+v", eligible)
	}

	if n := s.Retry(ctx); n != 2 {
		t.Fatalf("expected 2 flushed records, got %d", n)
	}
	persisted, _ := backend.MemoryStore.Get(ctx, "u1")
	if persisted.Status != model.StatusOffline || persisted.CreditBalance != 7 || !persisted.HasLocation {
		t.Errorf("backend lost fields after retry: %+v", persisted)
	}
	if ghost, err := backend.MemoryStore.Get(ctx, "ghost"); err != nil || ghost.Status != model.StatusOnline {
		t.Errorf("unknown user should be created from the patch: %+v, %v", ghost, err)
	}
}

// gatedStore 第一次写入阻塞到 gate 关闭
type gatedStore struct {
	*MemoryStore
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (g *gatedStore) Upsert(ctx context.Context, rec model.PresenceRecord) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.MemoryStore.Upsert(ctx, rec)
}

func TestResilientStore_RetryDoesNotOverwriteNewerWrite(t *testing.T) {
	backend := &gatedStore{
		MemoryStore: NewMemoryStore(zap.NewNop()),
		gate:        make(chan struct{}),
		entered:     make(chan struct{}),
	}
	s := NewResilientStore(backend, zap.NewNop())
	ctx := context.Background()
	s.dirty["u1"] = &dirtyEntry{rec: model.PresenceRecord{UserID: "u1", Status: model.StatusOffline}}

	retried := make(chan int, 1)
	go func() { retried <- s.Retry(ctx) }()
	<-backend.entered

	upserted := make(chan error, 1)
	go func() {
		upserted <- s.Upsert(ctx, model.PresenceRecord{UserID: "u1", Status: model.StatusOnline, CreditBalance: 5})
	}()
	select {
	case <-upserted:
		t.Fatal("newer write should wait for the in-flight retry")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.gate)
	if n := <-retried; n != 1 {
		t.Errorf("expected retry to flush 1, got %d", n)
	}
	if err := <-upserted; err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, _ := backend.MemoryStore.Get(ctx, "u1")
	if got.Status != model.StatusOnline || got.CreditBalance != 5 {
		t.Errorf("backend should hold the newer record, got %+v", got)
	}
	if s.Dirty() != 0 {
		t.Errorf("expected no dirty records, got %d", s.Dirty())
	}
}

func TestResilientStore_KnownRecordsAreBounded(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore(zap.NewNop())}
	s := NewResilientStore(backend, zap.NewNop())
	s.capacity = 2
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		_ = s.Upsert(ctx, model.PresenceRecord{UserID: id, Status: model.StatusOnline})
	}
	if s.known.Size() != 2 {
		t.Fatalf("expected 2 remembered records, got %d", s.known.Size())
	}
	if _, ok := s.recall("u1"); ok {
		t.Error("least recently used record should be evicted")
	}

	// 写入失败的记录即使被淘汰也不会丢失
	backend.setDown(true)
	_ = s.Upsert(ctx, model.PresenceRecord{UserID: "u4", Status: model.StatusOnline})
	_ = s.Upsert(ctx, model.PresenceRecord{UserID: "u5", Status: model.StatusOnline})
	_ = s.Upsert(ctx, model.PresenceRecord{UserID: "u6", Status: model.StatusOnline})
	eligible, err := s.QueryEligible(ctx)
	if err != nil {
		t.Fatalf("QueryEligible failed: %v", err)
	}
	if len(eligible) != 3 {
		t.Errorf("expected the 3 unflushed records, got %+v", eligible)
	}
}
