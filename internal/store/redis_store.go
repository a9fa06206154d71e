package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bili/radar-go/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "presence:"
	statusKeyPrefix   = "status:"
)

// redisRecord 在 Redis hash 中的存储格式，时间为毫秒时间戳
type redisRecord struct {
	UserID               string  `redis:"user_id"`
	Status               string  `redis:"status"`
	Latitude             float64 `redis:"latitude"`
	Longitude            float64 `redis:"longitude"`
	HasLocation          bool    `redis:"has_location"`
	CreditBalance        float64 `redis:"credit_balance"`
	LastSeenAt           int64   `redis:"last_seen_at"`
	LastLocationUpdateAt int64   `redis:"last_location_update_at"`
}

// RedisStore 基于 Redis 的在线状态存储：
// 每个用户一个 hash，每个状态一个 set 作为状态索引
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) presenceKey(userID string) string {
	return s.prefix + presenceKeyPrefix + userID
}

func (s *RedisStore) statusKey(status model.Status) string {
	return s.prefix + statusKeyPrefix + string(status)
}

// Get 获取记录
func (s *RedisStore) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	cmd := s.client.HGetAll(ctx, s.presenceKey(userID))
	fields, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("读取在线状态失败: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRecordNotFound
	}

	var raw redisRecord
	if err := cmd.Scan(&raw); err != nil {
		return nil, fmt.Errorf("解析在线状态失败: %w", err)
	}
	rec := raw.toModel()
	return &rec, nil
}

// Upsert 写入记录并更新状态索引（事务管道）
func (s *RedisStore) Upsert(ctx context.Context, rec model.PresenceRecord) error {
	if rec.UserID == "" {
		return ErrEmptyUserID
	}

	raw := fromModel(rec)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.presenceKey(rec.UserID), map[string]interface{}{
			"user_id":                 raw.UserID,
			"status":                  raw.Status,
			"latitude":                raw.Latitude,
			"longitude":               raw.Longitude,
			"has_location":            raw.HasLocation,
			"credit_balance":          raw.CreditBalance,
			"last_seen_at":            raw.LastSeenAt,
			"last_location_update_at": raw.LastLocationUpdateAt,
		})
		for _, st := range model.Statuses {
			if st != rec.Status {
				pipe.SRem(ctx, s.statusKey(st), rec.UserID)
			}
		}
		pipe.SAdd(ctx, s.statusKey(rec.Status), rec.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入在线状态失败: %w", err)
	}
	return nil
}

// QueryEligible 从 online/offline 索引取候选，再按可见性规则过滤
func (s *RedisStore) QueryEligible(ctx context.Context) ([]model.PresenceRecord, error) {
	records, err := s.queryByStatus(ctx, model.StatusOnline, model.StatusOffline)
	if err != nil {
		return nil, err
	}
	return filterRecords(records, visible), nil
}

// QueryDecayed 从 offline 索引取候选，过滤出衰减用户
func (s *RedisStore) QueryDecayed(ctx context.Context) ([]model.PresenceRecord, error) {
	records, err := s.queryByStatus(ctx, model.StatusOffline)
	if err != nil {
		return nil, err
	}
	return filterRecords(records, decayed), nil
}

func (s *RedisStore) queryByStatus(ctx context.Context, statuses ...model.Status) ([]model.PresenceRecord, error) {
	var userIDs []string
	for _, st := range statuses {
		ids, err := s.client.SMembers(ctx, s.statusKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("读取状态索引失败: %w", err)
		}
		userIDs = append(userIDs, ids...)
	}
	if len(userIDs) == 0 {
		return []model.PresenceRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, s.presenceKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("批量读取在线状态失败: %w", err)
	}

	records := make([]model.PresenceRecord, 0, len(userIDs))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// 索引残留，记录已不存在
			continue
		}
		var raw redisRecord
		if err := cmd.Scan(&raw); err != nil {
			s.logger.Warn("解析在线状态失败",
				zap.String("userId", userIDs[i]),
				zap.Error(err))
			continue
		}
		records = append(records, raw.toModel())
	}
	return records, nil
}

func fromModel(rec model.PresenceRecord) redisRecord {
	return redisRecord{
		UserID:               rec.UserID,
		Status:               string(rec.Status),
		Latitude:             rec.Latitude,
		Longitude:            rec.Longitude,
		HasLocation:          rec.HasLocation,
		CreditBalance:        rec.CreditBalance,
		LastSeenAt:           toMillis(rec.LastSeenAt),
		LastLocationUpdateAt: toMillis(rec.LastLocationUpdateAt),
	}
}

func (r redisRecord) toModel() model.PresenceRecord {
	return model.PresenceRecord{
		UserID:               r.UserID,
		Status:               model.Status(r.Status),
		Latitude:             r.Latitude,
		Longitude:            r.Longitude,
		HasLocation:          r.HasLocation,
		CreditBalance:        r.CreditBalance,
		LastSeenAt:           fromMillis(r.LastSeenAt),
		LastLocationUpdateAt: fromMillis(r.LastLocationUpdateAt),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
