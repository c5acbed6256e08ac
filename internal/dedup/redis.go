package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/redis/go-redis/v9"
)

const (
	markKeyPrefix     = "innflow:dedup:"
	responseKeyPrefix = "innflow:resp:"
)

// redisStore 基于 Redis 的去重存储，SETNX 提供跨实例的原子 set-if-absent
type redisStore struct {
	client *redis.Client
	logger clog.Logger
}

// RedisStoreOption 配置 redisStore 的选项
type RedisStoreOption func(*redisStore)

// WithRedisStoreLogger 设置日志记录器
func WithRedisStoreLogger(logger clog.Logger) RedisStoreOption {
	return func(s *redisStore) {
		s.logger = logger
	}
}

// NewRedisStore 基于 genesis Redis 连接器创建去重存储
func NewRedisStore(conn connector.RedisConnector, opts ...RedisStoreOption) (Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	s := &redisStore{client: conn.GetClient()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = clog.Discard()
	}
	s.logger = s.logger.WithNamespace("dedup")

	return s, nil
}

func (s *redisStore) MarkIfFirst(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key cannot be empty")
	}

	ok, err := s.client.SetNX(ctx, markKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx idempotency key: %w", err)
	}
	if !ok {
		s.logger.Debug("duplicate message dropped", clog.String("key", key))
	}
	return ok, nil
}

func (s *redisStore) Unmark(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency key cannot be empty")
	}

	if err := s.client.Del(ctx, markKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *redisStore) CacheResponse(ctx context.Context, correlationID string, payload []byte, ttl time.Duration) error {
	if correlationID == "" {
		return fmt.Errorf("correlation id cannot be empty")
	}

	if err := s.client.Set(ctx, responseKeyPrefix+correlationID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache response: %w", err)
	}
	return nil
}

func (s *redisStore) CachedResponse(ctx context.Context, correlationID string) ([]byte, bool, error) {
	if correlationID == "" {
		return nil, false, nil
	}

	payload, err := s.client.Get(ctx, responseKeyPrefix+correlationID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached response: %w", err)
	}
	return payload, true, nil
}

// Close 连接器由创建方管理，这里无资源可释放
func (s *redisStore) Close() error {
	return nil
}
