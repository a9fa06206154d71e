package handler

import (
	"github.com/bili/radar-go/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter 注册全部路由
func NewRouter(ws *WebSocketHandler, api *APIHandler, origins []string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(origins))

	// WebSocket 端点
	r.GET("/ws", ws.HandleWebSocket)

	r.GET("/api/health", api.Health)

	radar := r.Group("/api/radar")
	{
		radar.POST("/status", api.SetStatus)
		radar.POST("/balance", api.UpdateBalance)
		radar.POST("/location", api.UpdateLocation)
		radar.GET("/users", api.RadarUsers)
		radar.POST("/silent-decay-check", api.SilentDecayCheck)
		radar.GET("/stats", api.Stats)
	}

	r.PUT("/debug", api.EnableDebug)
	r.DELETE("/debug", api.DisableDebug)

	return r
}
