package model

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport 连接的写端，*websocket.Conn 满足该接口
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionSession 连接会话
type ConnectionSession struct {
	ConnectionID string
	UserID       string // 匿名连接为空
	ConnectedAt  time.Time
	ClientIP     string
	Conn         Transport

	lastPingAt time.Time
	mu         sync.RWMutex // 保护会话字段
	writeMu    sync.Mutex   // 同一连接只允许一个写者
	closeOnce  sync.Once
	closed     chan struct{}

	outbox     chan []byte // 广播发送队列，由写协程按序写出
	writerOnce sync.Once
}

// NewConnectionSession 创建连接会话
func NewConnectionSession(connectionID, userID string, conn Transport) *ConnectionSession {
	now := time.Now()
	return &ConnectionSession{
		ConnectionID: connectionID,
		UserID:       userID,
		ConnectedAt:  now,
		Conn:         conn,
		lastPingAt:   now,
		closed:       make(chan struct{}),
	}
}

// Anonymous 是否为匿名连接
func (s *ConnectionSession) Anonymous() bool {
	return s.UserID == ""
}

// Touch 更新心跳时间
func (s *ConnectionSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPingAt = time.Now()
}

// LastPingAt 最近一次心跳时间
func (s *ConnectionSession) LastPingAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPingAt
}

// Send 写入一条文本消息，timeout > 0 时设置写超时
func (s *ConnectionSession) Send(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if timeout > 0 {
		if err := s.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return s.Conn.WriteMessage(websocket.TextMessage, payload)
}

// WriteJSON 序列化后写入（线程安全）
func (s *ConnectionSession) WriteJSON(message interface{}, timeout time.Duration) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.Send(payload, timeout)
}

// StartWriter 创建容量为 buffer 的发送队列并启动写协程，重复调用无副作用。
// 写失败时调用 onError 后退出；连接关闭时退出。
func (s *ConnectionSession) StartWriter(buffer int, timeout time.Duration, onError func(error)) {
	s.writerOnce.Do(func() {
		if buffer <= 0 {
			buffer = 1
		}
		s.outbox = make(chan []byte, buffer)
		go s.writeLoop(timeout, onError)
	})
}

func (s *ConnectionSession) writeLoop(timeout time.Duration, onError func(error)) {
	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.outbox:
			if err := s.Send(payload, timeout); err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
		}
	}
}

// Enqueue 非阻塞地放入发送队列。队列已满、未启动写协程或连接已关闭时返回 false。
func (s *ConnectionSession) Enqueue(payload []byte) bool {
	if s.outbox == nil || s.IsClosed() {
		return false
	}
	select {
	case s.outbox <- payload:
		return true
	default:
		return false
	}
}

// IsClosed 连接是否已关闭
func (s *ConnectionSession) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close 关闭底层连接，重复调用无副作用
func (s *ConnectionSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.Conn.Close()
	})
	return err
}
