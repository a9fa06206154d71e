package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bili/radar-go/internal/middleware"
	"github.com/bili/radar-go/internal/model"
	"github.com/bili/radar-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler WebSocket 处理器
type WebSocketHandler struct {
	presence       *service.PresenceService
	upgrader       websocket.Upgrader
	writeTimeout   time.Duration
	maxMessageSize int64
	logger         *zap.Logger
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(presence *service.PresenceService, origins []string, writeTimeout time.Duration, maxMessageSize int64, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(origins, r.Header.Get("Origin"))
			},
		},
		writeTimeout:   writeTimeout,
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

// HandleWebSocket WebSocket 连接入口，user_id 为空时为匿名观察者
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))

	// 升级为 WebSocket 连接
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket 升级失败", zap.Error(err))
		return
	}
	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}

	session := model.NewConnectionSession(uuid.New().String(), userID, conn)
	session.ClientIP = c.ClientIP()

	if err := h.presence.Connect(c.Request.Context(), session); err != nil {
		h.logger.Error("连接注册失败",
			zap.String("userId", userID),
			zap.Error(err))
		session.Close()
		return
	}
	defer func() {
		h.presence.Disconnect(session.ConnectionID)
		session.Close()
	}()

	h.logger.Info("WebSocket 连接建立",
		zap.String("userId", userID),
		zap.String("connectionId", session.ConnectionID),
		zap.String("clientIp", session.ClientIP))

	// 消息循环
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket 读取错误",
					zap.String("connectionId", session.ConnectionID),
					zap.Error(err))
			}
			break
		}
		h.handleMessage(session, data)
	}

	h.logger.Info("WebSocket 连接断开",
		zap.String("userId", userID),
		zap.String("connectionId", session.ConnectionID))
}

// handleMessage 处理客户端消息，格式错误只回复 error 帧，不断开连接
func (h *WebSocketHandler) handleMessage(session *model.ConnectionSession, data []byte) {
	var msg model.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("消息格式错误",
			zap.String("connectionId", session.ConnectionID),
			zap.Error(err))
		h.reply(session, model.NewErrorFrame("消息格式错误"))
		return
	}

	switch msg.Type {
	case model.MessagePing:
		session.Touch()
		h.reply(session, model.NewPong())

	case model.MessageRequestRadar:
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		defer cancel()
		if err := h.presence.SendSnapshot(ctx, session); err != nil {
			h.logger.Error("发送雷达快照失败",
				zap.String("connectionId", session.ConnectionID),
				zap.Error(err))
		}

	case model.MessageLocationUpdate:
		if msg.Latitude == nil || msg.Longitude == nil {
			h.reply(session, model.NewErrorFrame("缺少经纬度"))
			return
		}
		if err := h.presence.SubmitLocation(session.UserID, *msg.Latitude, *msg.Longitude); err != nil {
			h.reply(session, model.NewErrorFrame(err.Error()))
		}

	default:
		h.logger.Debug("未知消息类型",
			zap.String("connectionId", session.ConnectionID),
			zap.String("type", msg.Type))
		h.reply(session, model.NewErrorFrame("未知消息类型: "+msg.Type))
	}
}

func (h *WebSocketHandler) reply(session *model.ConnectionSession, msg interface{}) {
	if err := session.WriteJSON(msg, h.writeTimeout); err != nil {
		h.logger.Debug("回复失败",
			zap.String("connectionId", session.ConnectionID),
			zap.Error(err))
	}
}
