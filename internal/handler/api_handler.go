package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/bili/radar-go/internal/model"
	"github.com/bili/radar-go/internal/service"
	"github.com/bili/radar-go/internal/store"
	"github.com/bili/radar-go/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// APIHandler HTTP API 处理器
type APIHandler struct {
	presence    *service.PresenceService
	serviceName string
	logger      *zap.Logger
}

// NewAPIHandler 创建 API 处理器
func NewAPIHandler(presence *service.PresenceService, serviceName string, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		presence:    presence,
		serviceName: serviceName,
		logger:      logger,
	}
}

// Health 健康检查
func (h *APIHandler) Health(c *gin.Context) {
	health := h.presence.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":               "UP",
		"service":              h.serviceName,
		"connections":          health.Connections,
		"connected_users":      health.ConnectedUsers,
		"pending_grace_timers": health.PendingGrace,
		"pending_locations":    health.PendingBatch,
		"dirty_records":        health.DirtyRecords,
		"timestamp":            time.Now().UTC(),
	})
}

// SetStatus 设置用户状态
func (h *APIHandler) SetStatus(c *gin.Context) {
	var req model.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	rec, err := h.presence.SetStatus(c.Request.Context(), req.UserID, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("用户状态已更新",
		zap.String("userId", req.UserID),
		zap.String("status", string(rec.Status)))
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": rec.UserID, "status": rec.Status})
}

// UpdateBalance 积分系统通知余额变更
func (h *APIHandler) UpdateBalance(c *gin.Context) {
	var req model.BalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.CreditBalance == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	rec, err := h.presence.UpdateBalance(c.Request.Context(), req.UserID, *req.CreditBalance)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"user_id":          rec.UserID,
		"credit_balance":   rec.CreditBalance,
		"visible_on_radar": rec.Visible(),
	})
}

// UpdateLocation 位置上报。auto_detect 为 true 时立即广播，否则进入合并窗口。
func (h *APIHandler) UpdateLocation(c *gin.Context) {
	var req model.LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Latitude == nil || req.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if req.AutoDetect {
		if _, err := h.presence.UpdateLocationNow(c.Request.Context(), req.UserID, *req.Latitude, *req.Longitude, true); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "batched": false})
		return
	}

	if err := h.presence.SubmitLocation(req.UserID, *req.Latitude, *req.Longitude); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "batched": true})
}

// RadarUsers 当前雷达上的用户
func (h *APIHandler) RadarUsers(c *gin.Context) {
	snapshot, err := h.presence.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users":     snapshot.Users,
		"total":     len(snapshot.Users),
		"timestamp": snapshot.Timestamp,
	})
}

// SilentDecayCheck 手动触发衰减巡检
func (h *APIHandler) SilentDecayCheck(c *gin.Context) {
	removed, err := h.presence.SweepDecayed(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed_count": removed})
}

// Stats 雷达统计
func (h *APIHandler) Stats(c *gin.Context) {
	stats, err := h.presence.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// EnableDebug 运行时打开 debug 日志
func (h *APIHandler) EnableDebug(c *gin.Context) {
	logger.Level.SetLevel(zapcore.DebugLevel)
	h.logger.Info("已开启 debug 日志")
	c.JSON(http.StatusOK, gin.H{"level": logger.Level.String()})
}

// DisableDebug 恢复 info 日志
func (h *APIHandler) DisableDebug(c *gin.Context) {
	logger.Level.SetLevel(zapcore.InfoLevel)
	h.logger.Info("已关闭 debug 日志")
	c.JSON(http.StatusOK, gin.H{"level": logger.Level.String()})
}

// fail 校验类错误返回 400，其余返回 500
func (h *APIHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, model.ErrInvalidCoordinates),
		errors.Is(err, model.ErrInvalidBalance),
		errors.Is(err, store.ErrEmptyUserID),
		errors.Is(err, service.ErrEmptyUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
