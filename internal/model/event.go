package model

import "time"

// EventType 下行事件类型
type EventType string

const (
	EventStatusChange        EventType = "user_status_update"
	EventLocationUpdate      EventType = "location_update"
	EventBatchLocationUpdate EventType = "batch_location_update"
	EventUserRemoved         EventType = "user_removed"
	EventRadarSnapshot       EventType = "radar_state"
)

// RemovedReasonSilentDecay 衰减移除原因
const RemovedReasonSilentDecay = "silent_decay"

// RadarEvent 雷达事件，每个实现序列化后即为一条下行 JSON 消息
type RadarEvent interface {
	EventType() EventType
}

// StatusChangeEvent 用户状态变更
type StatusChangeEvent struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationUpdateEvent 单个用户位置立即更新
type LocationUpdateEvent struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AutoDetect bool      `json:"auto_detect"`
	Timestamp  time.Time `json:"timestamp"`
}

// LocationEntry 批量位置中的一项
type LocationEntry struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// BatchLocationUpdateEvent 批量位置更新
type BatchLocationUpdateEvent struct {
	Type      EventType       `json:"type"`
	Updates   []LocationEntry `json:"updates"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserRemovedEvent 用户从雷达移除
type UserRemovedEvent struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RadarUser 雷达快照中的用户
type RadarUser struct {
	UserID        string     `json:"user_id"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Status        Status     `json:"status"`
	CreditBalance float64    `json:"credit_balance"`
	LastSeen      *time.Time `json:"last_seen"`
}

// RadarSnapshotEvent 当前雷达快照，只发给请求方
type RadarSnapshotEvent struct {
	Type      EventType   `json:"type"`
	Users     []RadarUser `json:"users"`
	Timestamp time.Time   `json:"timestamp"`
}

func (StatusChangeEvent) EventType() EventType        { return EventStatusChange }
func (LocationUpdateEvent) EventType() EventType      { return EventLocationUpdate }
func (BatchLocationUpdateEvent) EventType() EventType { return EventBatchLocationUpdate }
func (UserRemovedEvent) EventType() EventType         { return EventUserRemoved }
func (RadarSnapshotEvent) EventType() EventType       { return EventRadarSnapshot }

// NewStatusChange 创建状态变更事件
func NewStatusChange(userID string, status Status, now time.Time) StatusChangeEvent {
	return StatusChangeEvent{Type: EventStatusChange, UserID: userID, Status: status, Timestamp: now.UTC()}
}

// NewLocationUpdate 创建位置更新事件
func NewLocationUpdate(userID string, lat, lon float64, autoDetect bool, now time.Time) LocationUpdateEvent {
	return LocationUpdateEvent{
		Type:       EventLocationUpdate,
		UserID:     userID,
		Latitude:   lat,
		Longitude:  lon,
		AutoDetect: autoDetect,
		Timestamp:  now.UTC(),
	}
}

// NewBatchLocationUpdate 创建批量位置更新事件
func NewBatchLocationUpdate(updates []LocationEntry, now time.Time) BatchLocationUpdateEvent {
	if updates == nil {
		updates = []LocationEntry{}
	}
	return BatchLocationUpdateEvent{Type: EventBatchLocationUpdate, Updates: updates, Timestamp: now.UTC()}
}

// NewUserRemoved 创建衰减移除事件
func NewUserRemoved(userID string, now time.Time) UserRemovedEvent {
	return UserRemovedEvent{Type: EventUserRemoved, UserID: userID, Reason: RemovedReasonSilentDecay, Timestamp: now.UTC()}
}

// NewRadarSnapshot 由记录生成雷达快照
func NewRadarSnapshot(records []PresenceRecord, now time.Time) RadarSnapshotEvent {
	users := make([]RadarUser, 0, len(records))
	for _, r := range records {
		u := RadarUser{
			UserID:        r.UserID,
			Latitude:      r.Latitude,
			Longitude:     r.Longitude,
			Status:        r.Status,
			CreditBalance: r.CreditBalance,
		}
		if !r.LastSeenAt.IsZero() {
			seen := r.LastSeenAt.UTC()
			u.LastSeen = &seen
		}
		users = append(users, u)
	}
	return RadarSnapshotEvent{Type: EventRadarSnapshot, Users: users, Timestamp: now.UTC()}
}
