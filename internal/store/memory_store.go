package store

import (
	"context"
	"sync"

	"github.com/bili/radar-go/internal/model"
	"go.uber.org/zap"
)

// MemoryStore 内存在线状态存储（单机/测试用）
type MemoryStore struct {
	records map[string]model.PresenceRecord // userId -> record
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.PresenceRecord),
		logger:  logger,
	}
}

// Get 获取记录
func (s *MemoryStore) Get(_ context.Context, userID string) (*model.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

// Upsert 写入记录
func (s *MemoryStore) Upsert(_ context.Context, rec model.PresenceRecord) error {
	if rec.UserID == "" {
		return ErrEmptyUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
	s.logger.Debug("记录已写入",
		zap.String("userId", rec.UserID),
		zap.String("status", string(rec.Status)))
	return nil
}

// QueryEligible 查询雷达可见记录
func (s *MemoryStore) QueryEligible(_ context.Context) ([]model.PresenceRecord, error) {
	return filterRecords(s.all(), visible), nil
}

// QueryDecayed 查询衰减记录
func (s *MemoryStore) QueryDecayed(_ context.Context) ([]model.PresenceRecord, error) {
	return filterRecords(s.all(), decayed), nil
}

// Count 记录数量
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) all() []model.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PresenceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}
