// Package config 定义 booking 服务配置
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// Config booking 服务配置
type Config struct {
	Service ServiceConfig `mapstructure:"service"`

	// 基础组件配置
	Log   clog.Config           `mapstructure:"log"`
	MySQL connector.MySQLConfig `mapstructure:"mysql"`
	Redis connector.RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig           `mapstructure:"kafka"`

	// 预订单号生成器配置
	IDGen idgen.SnowflakeConfig `mapstructure:"idgen"`

	// Outbox 投递与清理
	Outbox OutboxConfig `mapstructure:"outbox"`

	// 回执消费配置
	Consumer ConsumerConfig `mapstructure:"consumer"`

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`

	// room 服务查询接口地址，创建预订时校验房间用
	RoomServiceURL string `mapstructure:"room_service_url"`
}

// ServiceConfig 基础服务配置
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"`
}

// GetHTTPAddr 返回 HTTP 监听地址
func (s *ServiceConfig) GetHTTPAddr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.HTTPPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// KafkaConfig Kafka 连接配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// OutboxConfig outbox 投递轮询、失败重发与终态清理的节奏。
// GracePeriod 必须大于一次正常投递回调的耗时，避免轮询与回调竞争同一行。
type OutboxConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	BatchSize     int           `mapstructure:"batch_size"`
	ResendLimit   int           `mapstructure:"resend_limit"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

func (o *OutboxConfig) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ResendLimit <= 0 {
		o.ResendLimit = 100
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
}

// ConsumerConfig 回执消费配置
type ConsumerConfig struct {
	Group       string        `mapstructure:"group"`
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	DedupTTL    time.Duration `mapstructure:"dedup_ttl"`
	ResponseTTL time.Duration `mapstructure:"response_ttl"`
}

// Load 加载 booking.yaml 配置
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "booking",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "INNFLOW",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("load booking config: %v", err))
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "booking-service"
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"127.0.0.1:9092"}
	}
	if c.Consumer.Group == "" {
		c.Consumer.Group = "booking-service"
	}
	if c.RoomServiceURL == "" {
		c.RoomServiceURL = "http://127.0.0.1:8081"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = c.Service.Name
	}
	if c.Observability.Metrics.Port == 0 {
		c.Observability.Metrics.Port = 9090
	}
	c.Outbox.withDefaults()
}
