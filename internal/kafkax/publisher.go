// Package kafkax 是 franz-go 之上的薄封装：带投递回调的异步 publisher
// 与带幂等去重、指数退避和死信路由的消费组 consumer。
package kafkax

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer 是 kgo.Client 的最小生产面，便于测试替换
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// NewClient 创建 franz-go 客户端。consumer 相关参数只在传入 group/topics 时生效。
func NewClient(brokers []string, group string, topics ...string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProduceRequestTimeout(10 * time.Second),
	}
	if group != "" {
		opts = append(opts,
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topics...),
			kgo.FetchMaxWait(time.Second),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// Publisher 异步生产者。投递结果通过 done 回调通知，publisher 自身不重试：
// 失败行为由 outbox 重发轮询兜底。
type Publisher struct {
	producer Producer
	logger   clog.Logger
}

// PublisherOption 配置 Publisher 的选项
type PublisherOption func(*Publisher)

// WithPublisherLogger 设置日志记录器
func WithPublisherLogger(logger clog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher 创建异步 publisher
func NewPublisher(producer Producer, opts ...PublisherOption) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}

	p := &Publisher{producer: producer}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = clog.Discard()
	}
	p.logger = p.logger.WithNamespace("publisher")

	return p, nil
}

// Publish 异步投递一条消息。key 决定分区，同一 saga 的消息保持有序。
// done 在投递结果确定后恰好调用一次，可以为 nil。
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte, done func(error)) {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}

	p.producer.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("message delivery failed",
				clog.String("topic", topic),
				clog.String("key", key),
				clog.Error(err))
		} else {
			p.logger.Info("message delivered",
				clog.String("topic", r.Topic),
				clog.Int("partition", int(r.Partition)),
				clog.Int64("offset", r.Offset))
		}
		if done != nil {
			done(err)
		}
	})
}
