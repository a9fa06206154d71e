package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bili/radar-go/internal/model"
	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/zap"
)

const (
	defaultKnownCapacity = 100000
	writeLockStripes     = 64
)

// RecordPatch 只修改调用方负责的字段
type RecordPatch func(rec *model.PresenceRecord)

// dirtyEntry 等待重试的写入。partial 为 true 时基础记录未知，只保存补丁，
// 重试时叠加到后端当前记录上。
type dirtyEntry struct {
	rec     model.PresenceRecord
	patches []RecordPatch
	partial bool
}

// ResilientStore 包装后端存储：后端不可用时状态变更仍在内存中生效，
// 未落库的写入标记为 dirty，由 Run 循环尽力重试。
// 同一用户的后端写入（包括重试）串行执行。
type ResilientStore struct {
	backend    PresenceStore
	known      *linkedhashmap.Map // userId -> model.PresenceRecord，按最近使用排序
	capacity   int
	dirty      map[string]*dirtyEntry
	mu         sync.Mutex
	writeLocks [writeLockStripes]sync.Mutex
	logger     *zap.Logger
}

// NewResilientStore 创建容错存储
func NewResilientStore(backend PresenceStore, logger *zap.Logger) *ResilientStore {
	return &ResilientStore{
		backend:  backend,
		known:    linkedhashmap.New(),
		capacity: defaultKnownCapacity,
		dirty:    make(map[string]*dirtyEntry),
		logger:   logger,
	}
}

func (s *ResilientStore) lockUser(userID string) func() {
	m := &s.writeLocks[xxhash.Sum64String(userID)%writeLockStripes]
	m.Lock()
	return m.Unlock
}

// remember 记录最近读到或写入的记录，超出容量时淘汰最久未使用的
func (s *ResilientStore) remember(rec model.PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known.Remove(rec.UserID)
	s.known.Put(rec.UserID, rec)
	for s.known.Size() > s.capacity {
		it := s.known.Iterator()
		if !it.First() {
			break
		}
		s.known.Remove(it.Key())
	}
}

func (s *ResilientStore) recall(userID string) (model.PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.known.Get(userID)
	if !ok {
		return model.PresenceRecord{}, false
	}
	return v.(model.PresenceRecord), true
}

// Get 优先返回未落库的记录；后端失败时回退到最近已知记录。
// 只有补丁的用户在后端不可用且无已知记录时返回后端错误。
func (s *ResilientStore) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	s.mu.Lock()
	var patches []RecordPatch
	if entry, ok := s.dirty[userID]; ok {
		if !entry.partial {
			rec := entry.rec
			s.mu.Unlock()
			return &rec, nil
		}
		patches = append(patches, entry.patches...)
	}
	s.mu.Unlock()

	rec, err := s.backend.Get(ctx, userID)
	if err == nil {
		s.remember(*rec)
		applyPatches(rec, patches)
		return rec, nil
	}
	if errors.Is(err, ErrRecordNotFound) {
		if len(patches) == 0 {
			return nil, err
		}
		fresh := newRecord(userID)
		applyPatches(&fresh, patches)
		return &fresh, nil
	}

	if cached, ok := s.recall(userID); ok {
		s.logger.Warn("存储不可用，使用内存中的记录",
			zap.String("userId", userID),
			zap.Error(err))
		applyPatches(&cached, patches)
		return &cached, nil
	}
	return nil, err
}

// Upsert 先更新内存，再写后端；后端失败只记录并标记重试，不返回错误
func (s *ResilientStore) Upsert(ctx context.Context, rec model.PresenceRecord) error {
	if rec.UserID == "" {
		return ErrEmptyUserID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockUser(rec.UserID)
	defer unlock()

	s.remember(rec)
	if err := s.backend.Upsert(ctx, rec); err != nil {
		s.mu.Lock()
		s.dirty[rec.UserID] = &dirtyEntry{rec: rec}
		s.mu.Unlock()
		s.logger.Warn("写入存储失败，稍后重试",
			zap.String("userId", rec.UserID),
			zap.Error(err))
		return nil
	}

	s.mu.Lock()
	delete(s.dirty, rec.UserID)
	s.mu.Unlock()
	return nil
}

// Patch 在读不到完整记录时记录字段补丁，重试时叠加到后端当前记录上，
// 不会用未知字段覆盖后端数据
func (s *ResilientStore) Patch(ctx context.Context, userID string, patch RecordPatch) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dirty[userID]
	switch {
	case ok && !entry.partial:
		patch(&entry.rec)
	case ok:
		entry.patches = append(entry.patches, patch)
	default:
		s.dirty[userID] = &dirtyEntry{patches: []RecordPatch{patch}, partial: true}
	}
	s.logger.Warn("记录未知，暂存字段补丁", zap.String("userId", userID))
	return nil
}

// QueryEligible 后端结果叠加未落库记录；后端失败时用内存记录计算
func (s *ResilientStore) QueryEligible(ctx context.Context) ([]model.PresenceRecord, error) {
	return s.query(ctx, s.backend.QueryEligible, visible)
}

// QueryDecayed 同 QueryEligible
func (s *ResilientStore) QueryDecayed(ctx context.Context) ([]model.PresenceRecord, error) {
	return s.query(ctx, s.backend.QueryDecayed, decayed)
}

func (s *ResilientStore) query(
	ctx context.Context,
	backendQuery func(context.Context) ([]model.PresenceRecord, error),
	keep func(model.PresenceRecord) bool,
) ([]model.PresenceRecord, error) {
	records, err := backendQuery(ctx)
	if err != nil {
		s.mu.Lock()
		all := make([]model.PresenceRecord, 0, s.known.Size())
		for _, v := range s.known.Values() {
			all = append(all, v.(model.PresenceRecord))
		}
		dirtyCount := len(s.dirty)
		s.mu.Unlock()
		if len(all) == 0 && dirtyCount == 0 {
			return nil, err
		}
		s.logger.Warn("存储查询失败，使用内存中的记录", zap.Error(err))
		return filterRecords(s.overlay(ctx, all, false), keep), nil
	}

	if s.Dirty() == 0 {
		return records, nil
	}
	return filterRecords(s.overlay(ctx, records, true), keep), nil
}

// overlay 用未落库的写入覆盖 records。backendUp 为 false 时跳过基础记录未知的补丁。
func (s *ResilientStore) overlay(ctx context.Context, records []model.PresenceRecord, backendUp bool) []model.PresenceRecord {
	merged := make(map[string]model.PresenceRecord, len(records))
	for _, r := range records {
		merged[r.UserID] = r
	}

	partial := make(map[string][]RecordPatch)
	s.mu.Lock()
	for id, entry := range s.dirty {
		if entry.partial {
			partial[id] = append([]RecordPatch(nil), entry.patches...)
			continue
		}
		merged[id] = entry.rec
	}
	s.mu.Unlock()

	for id, patches := range partial {
		base, ok := merged[id]
		if !ok {
			if !backendUp {
				continue
			}
			// 后端查询已按谓词过滤，补丁可能改变结果，需要单独读取
			rec, err := s.backend.Get(ctx, id)
			switch {
			case err == nil:
				base = *rec
			case errors.Is(err, ErrRecordNotFound):
				base = newRecord(id)
			default:
				continue
			}
		}
		applyPatches(&base, patches)
		merged[id] = base
	}

	out := make([]model.PresenceRecord, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	return out
}

// Dirty 等待重试的记录数
func (s *ResilientStore) Dirty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// Retry 重试写入所有 dirty 记录，返回成功数量
func (s *ResilientStore) Retry(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	flushed := 0
	for _, id := range ids {
		if s.retryOne(ctx, id) {
			flushed++
		}
	}

	if flushed > 0 {
		s.logger.Info("重试写入完成", zap.Int("flushed", flushed), zap.Int("remaining", s.Dirty()))
	}
	return flushed
}

// retryOne 持有用户写锁重试，期间同一用户的新写入等待，旧记录不会覆盖新记录
func (s *ResilientStore) retryOne(ctx context.Context, userID string) bool {
	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.Lock()
	entry, ok := s.dirty[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec := entry.rec
	patches := append([]RecordPatch(nil), entry.patches...)
	partial := entry.partial
	s.mu.Unlock()

	if partial {
		base, err := s.backend.Get(ctx, userID)
		switch {
		case err == nil:
			rec = *base
		case errors.Is(err, ErrRecordNotFound):
			rec = newRecord(userID)
		default:
			s.logger.Debug("重试读取失败", zap.String("userId", userID), zap.Error(err))
			return false
		}
		applyPatches(&rec, patches)
	}

	if err := s.backend.Upsert(ctx, rec); err != nil {
		s.logger.Debug("重试写入失败", zap.String("userId", userID), zap.Error(err))
		return false
	}

	s.mu.Lock()
	if current, ok := s.dirty[userID]; ok && current == entry {
		delete(s.dirty, userID)
	}
	s.mu.Unlock()
	s.remember(rec)
	return true
}

// Run 定时重试，直到 ctx 结束
func (s *ResilientStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Retry(ctx)
		}
	}
}

func newRecord(userID string) model.PresenceRecord {
	return model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
}

func applyPatches(rec *model.PresenceRecord, patches []RecordPatch) {
	for _, p := range patches {
		p(rec)
	}
}
