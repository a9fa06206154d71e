package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// graceTimer 断线宽限计时器
type graceTimer struct {
	userID    string
	deadline  time.Time
	timer     *time.Timer
	cancelled bool
}

// GraceScheduler 断线宽限期调度器：每个用户至多一个计时器，
// 到期时用户仍未重连才执行离线回调。
type GraceScheduler struct {
	period      time.Duration
	timers      map[string]*graceTimer
	isConnected func(userID string) bool
	onExpire    func(userID string)
	mu          sync.Mutex
	stopped     bool
	logger      *zap.Logger
}

// NewGraceScheduler 创建宽限期调度器
func NewGraceScheduler(period time.Duration, isConnected func(string) bool, onExpire func(string), logger *zap.Logger) *GraceScheduler {
	return &GraceScheduler{
		period:      period,
		timers:      make(map[string]*graceTimer),
		isConnected: isConnected,
		onExpire:    onExpire,
		logger:      logger,
	}
}

// StartGrace 为用户启动宽限计时，已有计时器会被取消并替换
func (g *GraceScheduler) StartGrace(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}
	if existing, ok := g.timers[userID]; ok {
		existing.cancelled = true
		existing.timer.Stop()
	}

	t := &graceTimer{userID: userID, deadline: time.Now().Add(g.period)}
	t.timer = time.AfterFunc(g.period, func() { g.fire(t) })
	g.timers[userID] = t

	g.logger.Debug("启动断线宽限计时",
		zap.String("userId", userID),
		zap.Time("deadline", t.deadline))
}

// CancelGrace 取消用户的宽限计时，返回是否存在计时器
func (g *GraceScheduler) CancelGrace(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.timers[userID]
	if !ok {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	delete(g.timers, userID)

	g.logger.Debug("取消断线宽限计时", zap.String("userId", userID))
	return true
}

// Pending 未到期的计时器数量
func (g *GraceScheduler) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// Stop 取消全部计时器，之后的 StartGrace 不再生效
func (g *GraceScheduler) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	for userID, t := range g.timers {
		t.cancelled = true
		t.timer.Stop()
		delete(g.timers, userID)
	}
}

func (g *GraceScheduler) fire(t *graceTimer) {
	g.mu.Lock()
	if t.cancelled || g.timers[t.userID] != t {
		g.mu.Unlock()
		return
	}
	delete(g.timers, t.userID)
	g.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("宽限期回调异常",
				zap.String("userId", t.userID),
				zap.Any("panic", r))
		}
	}()

	if g.isConnected(t.userID) {
		g.logger.Debug("宽限期到期时用户已重连", zap.String("userId", t.userID))
		return
	}
	g.onExpire(t.userID)
}
