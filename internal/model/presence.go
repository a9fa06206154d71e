package model

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidStatus      = errors.New("无效的在线状态，必须是 online、offline 或 invisible")
	ErrInvalidCoordinates = errors.New("无效的坐标，纬度范围 -90~90，经度范围 -180~180")
	ErrInvalidBalance     = errors.New("积分余额不能为负数")
)

// Status 在线状态
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible" // 在线但对雷达隐藏
)

// Statuses 所有合法状态
var Statuses = []Status{StatusOnline, StatusOffline, StatusInvisible}

// ParseStatus 解析并校验状态字符串（大小写不敏感）
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline, nil
	case StatusOffline:
		return StatusOffline, nil
	case StatusInvisible:
		return StatusInvisible, nil
	}
	return "", ErrInvalidStatus
}

// Valid 是否为合法状态
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// PresenceRecord 用户在线状态记录
type PresenceRecord struct {
	UserID               string
	Status               Status
	Latitude             float64
	Longitude            float64
	HasLocation          bool
	CreditBalance        float64
	LastSeenAt           time.Time
	LastLocationUpdateAt time.Time
}

// ValidateCoordinates 校验经纬度，NaN 也视为无效
func ValidateCoordinates(lat, lon float64) error {
	if !(lat >= -90 && lat <= 90) || !(lon >= -180 && lon <= 180) {
		return ErrInvalidCoordinates
	}
	return nil
}

// PendingLocationUpdate 批处理窗口内待发送的位置
type PendingLocationUpdate struct {
	UserID     string
	Latitude   float64
	Longitude  float64
	ObservedAt time.Time
}
