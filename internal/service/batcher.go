package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bili/radar-go/internal/model"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/zap"
)

var ErrEmptyUser = errors.New("位置上报需要关联用户")

// LocationBatcher 位置合并器：窗口内同一用户只保留最后一次上报，
// 每个窗口结束时整体交给 onFlush。
type LocationBatcher struct {
	interval time.Duration
	pending  *linkedhashmap.Map // userId -> model.PendingLocationUpdate，按首次上报顺序
	onFlush  func(ctx context.Context, updates []model.PendingLocationUpdate)
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewLocationBatcher 创建位置合并器
func NewLocationBatcher(interval time.Duration, onFlush func(context.Context, []model.PendingLocationUpdate), logger *zap.Logger) *LocationBatcher {
	return &LocationBatcher{
		interval: interval,
		pending:  linkedhashmap.New(),
		onFlush:  onFlush,
		logger:   logger,
	}
}

// Submit 提交一次位置上报，坐标越界时返回 ErrInvalidCoordinates
func (b *LocationBatcher) Submit(userID string, lat, lon float64) error {
	if userID == "" {
		return ErrEmptyUser
	}
	if err := model.ValidateCoordinates(lat, lon); err != nil {
		return err
	}

	b.mu.Lock()
	b.pending.Put(userID, model.PendingLocationUpdate{
		UserID:     userID,
		Latitude:   lat,
		Longitude:  lon,
		ObservedAt: time.Now(),
	})
	b.mu.Unlock()
	return nil
}

// Pending 当前窗口内待发送的用户数
func (b *LocationBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Size()
}

// Flush 取出当前窗口并交给 onFlush，窗口为空时不做任何事
func (b *LocationBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.pending.Empty() {
		b.mu.Unlock()
		return
	}
	values := b.pending.Values()
	b.pending.Clear()
	b.mu.Unlock()

	updates := make([]model.PendingLocationUpdate, 0, len(values))
	for _, v := range values {
		updates = append(updates, v.(model.PendingLocationUpdate))
	}

	b.logger.Debug("位置批次发送", zap.Int("count", len(updates)))
	b.onFlush(ctx, updates)
}

// Run 按窗口间隔定时 Flush，ctx 结束前做最后一次 Flush
func (b *LocationBatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}
