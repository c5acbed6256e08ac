package kafkax

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/ziqiyuan/innflow/internal/dedup"
)

// dltSuffix 死信 topic 后缀
const dltSuffix = ".DLT"

// Message 一条待处理的消息
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Route 消息的幂等与应答路由，由业务方从消息体中解出。
// IdempotencyKey 为空表示该消息不做去重；ReplyTopic 为空表示无应答。
type Route struct {
	IdempotencyKey string
	CorrelationID  string
	ReplyTopic     string
	ReplyKey       string
}

// RouteFunc 从消息解出路由。返回错误表示消息格式损坏，直接进死信不重试。
type RouteFunc func(msg *Message) (*Route, error)

// HandlerFunc 业务处理函数，返回要发布到 ReplyTopic 的应答体（可为 nil）
type HandlerFunc func(ctx context.Context, msg *Message) ([]byte, error)

// replyPublisher 消费侧出站面，便于测试替换
type replyPublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, done func(error))
}

// ConsumerConfig 消费组配置
type ConsumerConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Group        string        `mapstructure:"group"`
	Topics       []string      `mapstructure:"topics"`
	Workers      int           `mapstructure:"workers"`       // 并发处理协程数
	MaxAttempts  int           `mapstructure:"max_attempts"`  // 含首次执行
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // 首次重试间隔，指数增长
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`    // 必须大于 broker 重投窗口
	ResponseTTL  time.Duration `mapstructure:"response_ttl"` // 回执缓存时长
}

func (c *ConsumerConfig) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = time.Hour
	}
}

// Consumer 幂等消费者：批量拉取、并发独立处理、成功后缓存回执。
// "已处理" 只覆盖成功路径，处理失败会释放幂等标记让重投重新执行。
type Consumer struct {
	cfg     ConsumerConfig
	store   dedup.Store
	route   RouteFunc
	handle  HandlerFunc
	replies replyPublisher
	logger  clog.Logger

	client   *kgo.Client
	stopOnce sync.Once
	stopped  chan struct{}
}

// ConsumerOption 配置 Consumer 的选项
type ConsumerOption func(*Consumer)

// WithConsumerLogger 设置日志记录器
func WithConsumerLogger(logger clog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer 创建幂等消费者。Kafka 连接在 Run 时建立。
func NewConsumer(cfg ConsumerConfig, store dedup.Store, route RouteFunc, handle HandlerFunc, replies replyPublisher, opts ...ConsumerOption) (*Consumer, error) {
	if store == nil {
		return nil, fmt.Errorf("dedup store cannot be nil")
	}
	if route == nil {
		return nil, fmt.Errorf("route func cannot be nil")
	}
	if handle == nil {
		return nil, fmt.Errorf("handler func cannot be nil")
	}
	if replies == nil {
		return nil, fmt.Errorf("reply publisher cannot be nil")
	}
	cfg.withDefaults()

	c := &Consumer{
		cfg:     cfg,
		store:   store,
		route:   route,
		handle:  handle,
		replies: replies,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = clog.Discard()
	}
	c.logger = c.logger.WithNamespace("consumer")

	return c, nil
}

// Run 启动拉取循环，阻塞直到 ctx 取消或 Close 被调用
func (c *Consumer) Run(ctx context.Context) error {
	if c.cfg.Group == "" || len(c.cfg.Topics) == 0 {
		return fmt.Errorf("consumer group and topics are required")
	}

	client, err := NewClient(c.cfg.Brokers, c.cfg.Group, c.cfg.Topics...)
	if err != nil {
		return err
	}
	c.client = client
	defer client.Close()

	c.logger.Info("consumer started",
		clog.String("group", c.cfg.Group),
		clog.Any("topics", c.cfg.Topics),
		clog.Int("workers", c.cfg.Workers))

	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-c.stopped:
			wg.Wait()
			return nil
		default:
		}

		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			wg.Wait()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				clog.String("topic", topic),
				clog.Int("partition", int(partition)),
				clog.Error(err))
		})

		fetches.EachRecord(func(record *kgo.Record) {
			msg := &Message{
				Topic:     record.Topic,
				Partition: record.Partition,
				Offset:    record.Offset,
				Key:       record.Key,
				Value:     record.Value,
			}

			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.processMessage(ctx, msg)
			}()
		})
	}
}

// Close 停止拉取循环
func (c *Consumer) Close() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.client != nil {
			c.client.Close()
		}
	})
}

// processMessage 单条消息的完整幂等处理流程
func (c *Consumer) processMessage(ctx context.Context, msg *Message) {
	route, err := c.route(msg)
	if err != nil {
		// 格式损坏的消息重试也不会恢复，直接进死信
		c.logger.Error("malformed message routed to DLT",
			clog.String("topic", msg.Topic),
			clog.Int64("offset", msg.Offset),
			clog.Error(err))
		c.sendToDLT(ctx, msg)
		return
	}

	// 命中回执缓存：请求方丢失了上一次应答，原样重发并标记 duplicate
	if route.CorrelationID != "" {
		cached, hit, err := c.store.CachedResponse(ctx, route.CorrelationID)
		if err != nil {
			c.logger.Error("response cache lookup failed",
				clog.String("correlation_id", route.CorrelationID),
				clog.Error(err))
		} else if hit {
			c.logger.Info("duplicate request answered from response cache",
				clog.String("topic", msg.Topic),
				clog.String("correlation_id", route.CorrelationID))
			if route.ReplyTopic != "" {
				c.replies.Publish(ctx, route.ReplyTopic, route.ReplyKey, cached, nil)
			}
			return
		}
	}

	// 原子占用幂等 key，竞争失败方直接丢弃
	if route.IdempotencyKey != "" {
		first, err := c.store.MarkIfFirst(ctx, route.IdempotencyKey, c.cfg.DedupTTL)
		if err != nil {
			c.logger.Error("dedup mark failed",
				clog.String("key", route.IdempotencyKey),
				clog.Error(err))
			return
		}
		if !first {
			c.logger.Debug("duplicate message dropped",
				clog.String("topic", msg.Topic),
				clog.String("key", route.IdempotencyKey))
			return
		}
	}

	reply, err := c.handleWithRetry(ctx, msg)
	if err != nil {
		// 处理失败，释放标记后进死信；重投后的同一消息可以再次执行
		if route.IdempotencyKey != "" {
			if unmarkErr := c.store.Unmark(ctx, route.IdempotencyKey); unmarkErr != nil {
				c.logger.Error("failed to release idempotency key",
					clog.String("key", route.IdempotencyKey),
					clog.Error(unmarkErr))
			}
		}
		c.logger.Error("message processing exhausted retries",
			clog.String("topic", msg.Topic),
			clog.Int64("offset", msg.Offset),
			clog.Error(err))
		c.sendToDLT(ctx, msg)
		return
	}

	if reply != nil && route.ReplyTopic != "" {
		c.replies.Publish(ctx, route.ReplyTopic, route.ReplyKey, reply, nil)
	}
	if reply != nil && route.CorrelationID != "" {
		if err := c.store.CacheResponse(ctx, route.CorrelationID, reply, c.cfg.ResponseTTL); err != nil {
			c.logger.Error("failed to cache response",
				clog.String("correlation_id", route.CorrelationID),
				clog.Error(err))
		}
	}
}

// handleWithRetry 有界指数退避重试
func (c *Consumer) handleWithRetry(ctx context.Context, msg *Message) ([]byte, error) {
	backoff := c.cfg.RetryBackoff

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		reply, err := c.handle(ctx, msg)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.Warn("message processing failed, will retry",
			clog.String("topic", msg.Topic),
			clog.Int64("offset", msg.Offset),
			clog.Int("attempt", attempt),
			clog.Duration("backoff", backoff),
			clog.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return nil, lastErr
}

// sendToDLT 把原始消息转发到 <topic>.DLT
func (c *Consumer) sendToDLT(ctx context.Context, msg *Message) {
	c.replies.Publish(ctx, msg.Topic+dltSuffix, string(msg.Key), msg.Value, func(err error) {
		if err != nil {
			c.logger.Error("failed to deliver message to DLT",
				clog.String("topic", msg.Topic+dltSuffix),
				clog.Error(err))
		}
	})
}
