package service

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bili/radar-go/internal/config"
	"github.com/bili/radar-go/internal/model"
	"github.com/bili/radar-go/internal/store"
	"go.uber.org/zap"
)

var errWriteFailed = errors.New("write failed")

// fakeConn 记录写入内容的连接
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
	gate     chan struct{} // 非空时写入阻塞到 gate 关闭
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errWriteFailed
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(m, &env)
		out = append(out, env.Type)
	}
	return out
}

// recorder 记录广播事件
type recorder struct {
	mu     sync.Mutex
	events []model.RadarEvent
}

func (r *recorder) Broadcast(event model.RadarEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []model.RadarEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RadarEvent(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) ofType(t model.EventType) []model.RadarEvent {
	var out []model.RadarEvent
	for _, e := range r.all() {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

func testPresenceConfig() config.PresenceConfig {
	return config.PresenceConfig{
		GracePeriod:     60 * time.Second,
		BatchInterval:   100 * time.Millisecond,
		WriteTimeout:    time.Second,
		SendBufferSize:  16,
		FanoutQueueSize: 64,
	}
}

// newTestService 使用内存存储并以 recorder 替换广播器
func newTestService(t *testing.T, cfg config.PresenceConfig) (*PresenceService, *store.MemoryStore, *recorder) {
	t.Helper()
	mem := store.NewMemoryStore(zap.NewNop())
	svc := NewPresenceService(Options{
		Presence: cfg,
		Store:    mem,
		Logger:   zap.NewNop(),
	})
	rec := &recorder{}
	svc.broadcaster = rec
	t.Cleanup(svc.grace.Stop)
	return svc, mem, rec
}

func newSession(id, userID string) (*model.ConnectionSession, *fakeConn) {
	conn := &fakeConn{}
	return model.NewConnectionSession(id, userID, conn), conn
}

// waitFor 轮询直到条件成立或超时
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
