package model

// 客户端上行消息类型
const (
	MessagePing           = "ping"
	MessageRequestRadar   = "request_radar"
	MessageLocationUpdate = "location_update"
)

// ClientMessage 客户端上行消息
type ClientMessage struct {
	Type      string   `json:"type"` // ping, request_radar, location_update
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// PongFrame 心跳回复
type PongFrame struct {
	Type string `json:"type"`
}

// ErrorFrame 错误回复，只发给出错的连接
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewPong 创建心跳回复
func NewPong() PongFrame {
	return PongFrame{Type: "pong"}
}

// NewErrorFrame 创建错误回复
func NewErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: msg}
}

// StatusRequest 状态变更请求
type StatusRequest struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// BalanceRequest 余额变更请求（来自积分系统）
type BalanceRequest struct {
	UserID        string   `json:"user_id"`
	CreditBalance *float64 `json:"credit_balance"`
}

// LocationRequest 位置上报请求
type LocationRequest struct {
	UserID     string   `json:"user_id"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	AutoDetect bool     `json:"auto_detect"`
}
