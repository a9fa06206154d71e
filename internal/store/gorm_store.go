package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bili/radar-go/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// presenceRow presence_records 表
type presenceRow struct {
	UserID               string     `gorm:"primaryKey;size:64"`
	Status               string     `gorm:"size:16;not null;index:idx_presence_status_balance,priority:1"`
	CreditBalance        float64    `gorm:"not null;default:0;index:idx_presence_status_balance,priority:2"`
	Latitude             *float64   `gorm:"index:idx_presence_location,priority:1"`
	Longitude            *float64   `gorm:"index:idx_presence_location,priority:2"`
	LastSeenAt           *time.Time `gorm:"index"`
	LastLocationUpdateAt *time.Time
	UpdatedAt            time.Time
}

func (presenceRow) TableName() string {
	return "presence_records"
}

// OpenPostgres 连接 PostgreSQL 并配置连接池
func OpenPostgres(dsn string, autoMigrate bool) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库 ping 失败: %w", err)
	}

	if autoMigrate {
		if err := db.AutoMigrate(&presenceRow{}); err != nil {
			return nil, fmt.Errorf("自动迁移失败: %w", err)
		}
	}
	return db, nil
}

// GormStore 基于 gorm 的在线状态存储
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// Get 获取记录
func (s *GormStore) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	var row presenceRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询在线状态失败: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

// Upsert 写入记录（冲突时整行更新）
func (s *GormStore) Upsert(ctx context.Context, rec model.PresenceRecord) error {
	if rec.UserID == "" {
		return ErrEmptyUserID
	}

	row := rowFromModel(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("写入在线状态失败: %w", err)
	}
	return nil
}

// QueryEligible 通过 (status, credit_balance) 索引取候选，再按可见性规则过滤
func (s *GormStore) QueryEligible(ctx context.Context) ([]model.PresenceRecord, error) {
	var rows []presenceRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(model.StatusOnline), string(model.StatusOffline)}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询雷达用户失败: %w", err)
	}
	return filterRecords(rowsToModels(rows), visible), nil
}

// QueryDecayed 查询衰减记录
func (s *GormStore) QueryDecayed(ctx context.Context) ([]model.PresenceRecord, error) {
	var rows []presenceRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(model.StatusOffline)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询衰减用户失败: %w", err)
	}
	return filterRecords(rowsToModels(rows), decayed), nil
}

func rowFromModel(rec model.PresenceRecord) presenceRow {
	row := presenceRow{
		UserID:        rec.UserID,
		Status:        string(rec.Status),
		CreditBalance: rec.CreditBalance,
	}
	if rec.HasLocation {
		lat, lon := rec.Latitude, rec.Longitude
		row.Latitude = &lat
		row.Longitude = &lon
	}
	if !rec.LastSeenAt.IsZero() {
		t := rec.LastSeenAt
		row.LastSeenAt = &t
	}
	if !rec.LastLocationUpdateAt.IsZero() {
		t := rec.LastLocationUpdateAt
		row.LastLocationUpdateAt = &t
	}
	return row
}

func (r presenceRow) toModel() model.PresenceRecord {
	rec := model.PresenceRecord{
		UserID:        r.UserID,
		Status:        model.Status(r.Status),
		CreditBalance: r.CreditBalance,
	}
	if r.Latitude != nil && r.Longitude != nil {
		rec.Latitude = *r.Latitude
		rec.Longitude = *r.Longitude
		rec.HasLocation = true
	}
	if r.LastSeenAt != nil {
		rec.LastSeenAt = *r.LastSeenAt
	}
	if r.LastLocationUpdateAt != nil {
		rec.LastLocationUpdateAt = *r.LastLocationUpdateAt
	}
	return rec
}

func rowsToModels(rows []presenceRow) []model.PresenceRecord {
	out := make([]model.PresenceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
