package store

import (
	"context"
	"errors"
	"sort"

	"github.com/bili/radar-go/internal/model"
)

var (
	ErrRecordNotFound = errors.New("在线状态记录不存在")
	ErrEmptyUserID    = errors.New("用户 ID 不能为空")
)

// PresenceStore 在线状态持久化接口
type PresenceStore interface {
	// Get 不存在时返回 ErrRecordNotFound
	Get(ctx context.Context, userID string) (*model.PresenceRecord, error)
	Upsert(ctx context.Context, rec model.PresenceRecord) error
	// QueryEligible 返回雷达上可见的记录
	QueryEligible(ctx context.Context) ([]model.PresenceRecord, error)
	// QueryDecayed 返回离线且余额为零的记录
	QueryDecayed(ctx context.Context) ([]model.PresenceRecord, error)
}

// filterRecords 按谓词过滤并按用户 ID 排序
func filterRecords(records []model.PresenceRecord, keep func(model.PresenceRecord) bool) []model.PresenceRecord {
	out := make([]model.PresenceRecord, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

func visible(r model.PresenceRecord) bool { return r.Visible() }
func decayed(r model.PresenceRecord) bool { return r.Decayed() }
