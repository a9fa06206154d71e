package service

import (
	"sync"
	"time"

	"github.com/bili/radar-go/internal/model"
	"go.uber.org/zap"
)

// ConnectionRegistry 连接注册表，维护 connectionId -> session 以及 userId -> connectionId
type ConnectionRegistry struct {
	sessions         map[string]*model.ConnectionSession // connectionId -> session
	userConns        map[string]string                   // userId -> connectionId
	orphanSuperseded bool                                // 被顶替的旧连接保留为匿名观察者
	mu               sync.RWMutex
	logger           *zap.Logger
}

// NewConnectionRegistry 创建连接注册表
func NewConnectionRegistry(orphanSuperseded bool, logger *zap.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		sessions:         make(map[string]*model.ConnectionSession),
		userConns:        make(map[string]string),
		orphanSuperseded: orphanSuperseded,
		logger:           logger,
	}
}

// Register 注册连接。同一用户已有连接时返回被顶替的旧会话，
// 旧会话默认从注册表移除并关闭。
func (r *ConnectionRegistry) Register(session *model.ConnectionSession) *model.ConnectionSession {
	r.mu.Lock()
	r.sessions[session.ConnectionID] = session
	if session.Anonymous() {
		r.mu.Unlock()
		r.logger.Debug("匿名连接注册", zap.String("connectionId", session.ConnectionID))
		return nil
	}

	var superseded *model.ConnectionSession
	if oldID, ok := r.userConns[session.UserID]; ok && oldID != session.ConnectionID {
		superseded = r.sessions[oldID]
		if !r.orphanSuperseded {
			delete(r.sessions, oldID)
		}
	}
	r.userConns[session.UserID] = session.ConnectionID
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Info("用户重新连接，顶替旧连接",
			zap.String("userId", session.UserID),
			zap.String("oldConnectionId", superseded.ConnectionID),
			zap.String("connectionId", session.ConnectionID))
		if !r.orphanSuperseded {
			superseded.Close()
		}
	}

	r.logger.Info("连接注册成功",
		zap.String("userId", session.UserID),
		zap.String("connectionId", session.ConnectionID))
	return superseded
}

// Unregister 移除连接。仅当该连接仍是用户的当前连接时返回 userId，否则返回空串。
func (r *ConnectionRegistry) Unregister(connectionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connectionID]
	if !ok {
		return ""
	}
	delete(r.sessions, connectionID)

	if session.Anonymous() {
		return ""
	}
	if current, ok := r.userConns[session.UserID]; ok && current == connectionID {
		delete(r.userConns, session.UserID)
		r.logger.Info("连接已移除",
			zap.String("userId", session.UserID),
			zap.String("connectionId", connectionID))
		return session.UserID
	}
	return ""
}

// Get 获取会话
func (r *ConnectionRegistry) Get(connectionID string) (*model.ConnectionSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connectionID]
	return s, ok
}

// IsUserConnected 用户当前是否有活动连接
func (r *ConnectionRegistry) IsUserConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.userConns[userID]
	return ok
}

// ActiveConnectionIDs 所有活动连接 ID
func (r *ConnectionRegistry) ActiveConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot 会话副本，供广播在锁外遍历
func (r *ConnectionRegistry) Snapshot() []*model.ConnectionSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.ConnectionSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count 连接数
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnectedUsers 已关联用户的连接数
func (r *ConnectionRegistry) ConnectedUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns)
}

// StaleSessions 超过 olderThan 未收到心跳的会话
func (r *ConnectionRegistry) StaleSessions(olderThan time.Duration) []*model.ConnectionSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var stale []*model.ConnectionSession
	for _, s := range r.sessions {
		if now.Sub(s.LastPingAt()) > olderThan {
			stale = append(stale, s)
		}
	}
	return stale
}
