package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 通知类型
const (
	NotificationUserOffline = "user_offline"
	NotificationSilentDecay = "silent_decay"
)

// Notification 推送给通知系统的消息
type Notification struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotification 创建通知
func NewNotification(kind, userID, message string) Notification {
	return Notification{Type: kind, UserID: userID, Message: message, Timestamp: time.Now().UTC()}
}

// Notifier 通知发送接口，失败只返回错误，由调用方记录
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier 不发送任何通知
type NopNotifier struct{}

// Notify 直接返回
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// RedisNotifier 把通知写入 Redis 列表，由通知系统消费
type RedisNotifier struct {
	client   *redis.Client
	queueKey string
	logger   *zap.Logger
}

// NewRedisNotifier 创建 Redis 通知器
func NewRedisNotifier(client *redis.Client, queueKey string, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, queueKey: queueKey, logger: logger}
}

// Notify LPUSH 一条 JSON 通知
func (n *RedisNotifier) Notify(ctx context.Context, msg Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	if err := n.client.LPush(ctx, n.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("写入通知队列失败: %w", err)
	}
	n.logger.Debug("通知已入队",
		zap.String("type", msg.Type),
		zap.String("userId", msg.UserID))
	return nil
}

// WebhookNotifier 以 HTTP POST 方式推送通知
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify POST JSON 到 webhook 地址
func (n *WebhookNotifier) Notify(ctx context.Context, msg Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	n.logger.Debug("推送通知", zap.String("url", n.url), zap.String("type", msg.Type))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP 请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("通知服务返回错误: %d", resp.StatusCode)
	}
	return nil
}
