package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bili/radar-go/internal/client"
	"github.com/bili/radar-go/internal/config"
	"github.com/bili/radar-go/internal/handler"
	"github.com/bili/radar-go/internal/service"
	"github.com/bili/radar-go/internal/store"
	"github.com/bili/radar-go/pkg/logger"
	redisclient "github.com/bili/radar-go/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("RADAR_CONFIG")
	if configPath == "" {
		configPath = "configs/radar.yaml"
	}

	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志
	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("radar 服务启动中...",
		zap.String("store", cfg.Store.Driver),
		zap.String("notify", cfg.Notify.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis 只在存储或通知需要时连接
	var rdb *redis.Client
	if cfg.Store.Driver == "redis" || cfg.Notify.Driver == "redis" {
		rdb, err = redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("连接 Redis 失败", zap.Error(err))
		}
		defer rdb.Close()
	}

	presenceStore, err := newPresenceStore(cfg, rdb, zapLogger)
	if err != nil {
		zapLogger.Fatal("初始化存储失败", zap.Error(err))
	}

	// 初始化服务
	presence := service.NewPresenceService(service.Options{
		Presence:      cfg.Presence,
		RetryInterval: cfg.Persistence.RetryInterval,
		NotifyTimeout: cfg.Notify.Timeout,
		Store:         presenceStore,
		Notifier:      newNotifier(cfg, rdb, zapLogger),
		Logger:        zapLogger.Named("presence"),
	})
	presence.Start(ctx)

	// 初始化处理器与路由
	gin.SetMode(gin.ReleaseMode)
	wsHandler := handler.NewWebSocketHandler(presence, cfg.CORS.Origins, cfg.Presence.WriteTimeout, cfg.Presence.MaxMessageSize, zapLogger.Named("ws"))
	apiHandler := handler.NewAPIHandler(presence, cfg.Server.Name, zapLogger.Named("api"))
	router := handler.NewRouter(wsHandler, apiHandler, cfg.CORS.Origins, zapLogger.Named("http"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zapLogger.Info("radar 服务启动成功", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("服务关闭超时", zap.Error(err))
	}
	presence.Stop()

	zapLogger.Info("服务已退出")
}

func newPresenceStore(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (store.PresenceStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(logger.Named("memory")), nil
	case "redis":
		return store.NewRedisStore(rdb, cfg.Store.KeyPrefix, logger.Named("redis")), nil
	case "postgres":
		db, err := store.OpenPostgres(cfg.Store.DSN, cfg.Store.AutoMigrate)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db, logger.Named("postgres")), nil
	default:
		return nil, fmt.Errorf("未知的存储类型: %s", cfg.Store.Driver)
	}
}

func newNotifier(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) client.Notifier {
	switch cfg.Notify.Driver {
	case "redis":
		return client.NewRedisNotifier(rdb, cfg.Notify.QueueKey, logger.Named("notify"))
	case "webhook":
		return client.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger.Named("notify"))
	default:
		return client.NopNotifier{}
	}
}
