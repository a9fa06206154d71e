package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bili/radar-go/internal/model"
	"go.uber.org/zap"
)

// Broadcaster 事件广播接口
type Broadcaster interface {
	Broadcast(event model.RadarEvent)
}

// BroadcastFanout 事件扇出：单队列保证事件按提交顺序发出，每个事件序列化一次后
// 放入各连接自己的发送队列，由连接的写协程写出。发送队列已满或写失败的连接被移除，
// 慢连接不影响其他连接。
type BroadcastFanout struct {
	registry     *ConnectionRegistry
	queue        chan model.RadarEvent
	done         chan struct{}
	doneOnce     sync.Once
	sendBuffer   int
	writeTimeout time.Duration
	onPrune      func(userID string)
	metrics      *radarMetrics
	logger       *zap.Logger
}

// NewBroadcastFanout 创建广播器。sendBuffer 为每个连接的发送队列容量，
// onPrune 在连接被移除后异步调用，参数为其关联用户。
func NewBroadcastFanout(registry *ConnectionRegistry, queueSize, sendBuffer int, writeTimeout time.Duration, onPrune func(string), logger *zap.Logger) *BroadcastFanout {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &BroadcastFanout{
		registry:     registry,
		queue:        make(chan model.RadarEvent, queueSize),
		done:         make(chan struct{}),
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
		onPrune:      onPrune,
		metrics:      newRadarMetrics(),
		logger:       logger,
	}
}

// Broadcast 事件入队。队列满时阻塞，广播器停止后丢弃。
func (f *BroadcastFanout) Broadcast(event model.RadarEvent) {
	select {
	case f.queue <- event:
	case <-f.done:
		f.logger.Warn("广播器已停止，丢弃事件", zap.String("type", string(event.EventType())))
	}
}

// Run 按入队顺序逐个分发事件，直到 ctx 结束；结束时分发已入队的剩余事件
func (f *BroadcastFanout) Run(ctx context.Context) {
	defer f.doneOnce.Do(func() { close(f.done) })

	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case event := <-f.queue:
			f.Deliver(ctx, event)
		}
	}
}

func (f *BroadcastFanout) drain() {
	for {
		select {
		case event := <-f.queue:
			f.Deliver(context.Background(), event)
		default:
			return
		}
	}
}

// Deliver 把一个事件放入当前所有连接的发送队列，不等待写出。
// 返回因发送队列已满而被移除的连接 ID；写失败的连接由写协程异步移除。
func (f *BroadcastFanout) Deliver(ctx context.Context, event model.RadarEvent) []string {
	start := time.Now()
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("事件序列化失败",
			zap.String("type", string(event.EventType())),
			zap.Error(err))
		return nil
	}

	sessions := f.registry.Snapshot()
	if len(sessions) == 0 {
		return nil
	}

	var pruned []string
	for _, s := range sessions {
		s := s
		s.StartWriter(f.sendBuffer, f.writeTimeout, func(err error) {
			f.prune(s, "消息发送失败，移除连接", err)
		})
		if !s.Enqueue(payload) {
			if f.prune(s, "发送队列已满，移除连接", nil) {
				pruned = append(pruned, s.ConnectionID)
			}
		}
	}

	f.metrics.broadcast(ctx, string(event.EventType()), time.Since(start).Seconds())
	f.logger.Debug("事件广播完成",
		zap.String("type", string(event.EventType())),
		zap.Int("recipients", len(sessions)),
		zap.Int("pruned", len(pruned)))
	return pruned
}

// prune 移除并关闭连接，已关闭的连接返回 false
func (f *BroadcastFanout) prune(s *model.ConnectionSession, reason string, err error) bool {
	if s.IsClosed() {
		return false
	}
	f.logger.Warn(reason,
		zap.String("connectionId", s.ConnectionID),
		zap.String("userId", s.UserID),
		zap.Error(err))

	userID := f.registry.Unregister(s.ConnectionID)
	s.Close()
	f.metrics.pruned.Add(context.Background(), 1)
	if userID != "" && f.onPrune != nil {
		go f.onPrune(userID)
	}
	return true
}
