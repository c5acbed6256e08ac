// Package config 定义 room 服务配置
package config

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// Config room 服务配置
type Config struct {
	Service ServiceConfig `mapstructure:"service"`

	Log   clog.Config           `mapstructure:"log"`
	MySQL connector.MySQLConfig `mapstructure:"mysql"`
	Redis connector.RedisConfig `mapstructure:"redis"`

	Consumer kafkax.ConsumerConfig `mapstructure:"consumer"`

	Observability observability.Config `mapstructure:"observability"`
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
		port = 8081
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Load 加载 room.yaml 配置
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:     "room",
		FileType: "yaml",
	},
		config.WithConfigPaths("./configs"),
		config.WithEnvPrefix("INNFLOW"),
	)
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
	if cfg.Service.Name == "" {
		cfg.Service.Name = "room-service"
	}
	if cfg.Consumer.Group == "" {
		cfg.Consumer.Group = "room-service"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.Service.Name
	}
	if cfg.Observability.Metrics.Port == 0 {
		cfg.Observability.Metrics.Port = 9091
	}

	return &cfg, nil
}
