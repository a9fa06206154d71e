package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Store       StoreConfig       `yaml:"store"`
	Presence    PresenceConfig    `yaml:"presence"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Notify      NotifyConfig      `yaml:"notify"`
	CORS        CORSConfig        `yaml:"cors"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig 在线状态存储配置
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, redis, postgres
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"autoMigrate"`
	KeyPrefix   string `yaml:"keyPrefix"`
}

// PresenceConfig 在线状态与广播配置
type PresenceConfig struct {
	GracePeriod        time.Duration `yaml:"gracePeriod"`
	BatchInterval      time.Duration `yaml:"batchInterval"`
	WriteTimeout       time.Duration `yaml:"writeTimeout"`
	SendBufferSize     int           `yaml:"sendBufferSize"` // 每个连接的发送队列容量
	FanoutQueueSize    int           `yaml:"fanoutQueueSize"`
	DecaySweepInterval time.Duration `yaml:"decaySweepInterval"`
	StaleAfter         time.Duration `yaml:"staleAfter"`
	OrphanSuperseded   bool          `yaml:"orphanSuperseded"`
	MaxMessageSize     int64         `yaml:"maxMessageSize"`
}

// PersistenceConfig 存储故障时的重试配置
type PersistenceConfig struct {
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	Driver     string        `yaml:"driver"` // none, redis, webhook
	QueueKey   string        `yaml:"queueKey"`
	WebhookURL string        `yaml:"webhookUrl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// LoadConfig 加载配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// .env 文件可选
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv 环境变量覆盖配置文件
func (c *Config) applyEnv() error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT 无效: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_PORT 无效: %w", err)
		}
		c.Redis.Port = port
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SOCKET_GRACE_PERIOD_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SOCKET_GRACE_PERIOD_SECONDS 无效: %w", err)
		}
		c.Presence.GracePeriod = time.Duration(secs) * time.Second
	}
	return nil
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Name == "" {
		c.Server.Name = "radar"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "radar:"
	}
	if c.Presence.GracePeriod <= 0 {
		c.Presence.GracePeriod = 60 * time.Second
	}
	if c.Presence.BatchInterval <= 0 {
		c.Presence.BatchInterval = 100 * time.Millisecond
	}
	if c.Presence.WriteTimeout <= 0 {
		c.Presence.WriteTimeout = 5 * time.Second
	}
	if c.Presence.SendBufferSize <= 0 {
		c.Presence.SendBufferSize = 64
	}
	if c.Presence.FanoutQueueSize <= 0 {
		c.Presence.FanoutQueueSize = 1024
	}
	if c.Presence.DecaySweepInterval <= 0 {
		c.Presence.DecaySweepInterval = 30 * time.Second
	}
	if c.Presence.StaleAfter <= 0 {
		c.Presence.StaleAfter = 3 * time.Minute
	}
	if c.Presence.MaxMessageSize <= 0 {
		c.Presence.MaxMessageSize = 8192
	}
	if c.Persistence.RetryInterval <= 0 {
		c.Persistence.RetryInterval = 5 * time.Second
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}
	if c.Notify.QueueKey == "" {
		c.Notify.QueueKey = c.Store.KeyPrefix + "notifications"
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 3 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
