// Package job 承载 booking 服务的后台任务：outbox 补发与终态清理
package job

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"github.com/ziqiyuan/innflow/booking/config"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/outbox"
	"github.com/ziqiyuan/innflow/internal/saga"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// messagePublisher 补发任务依赖的发布接口
type messagePublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, done func(error))
}

// OutboxRelay 扫描三张 outbox 表并把超过宽限期仍未投递的行补发到 Kafka。
// 宽限期挡住刚写入、正常发布路径还没来得及投递的行。
type OutboxRelay struct {
	helpers   []*outbox.Helper
	publisher messagePublisher
	cfg       config.OutboxConfig
	logger    clog.Logger
}

// NewOutboxRelay 创建补发任务
func NewOutboxRelay(helpers []*outbox.Helper, publisher messagePublisher, cfg config.OutboxConfig, logger clog.Logger) *OutboxRelay {
	if logger == nil {
		logger = clog.Discard()
	}
	return &OutboxRelay{
		helpers:   helpers,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.WithNamespace("outbox_relay"),
	}
}

// Start 启动补发与清理循环，阻塞直到 ctx 取消
func (j *OutboxRelay) Start(ctx context.Context) {
	j.logger.Info("starting outbox relay job",
		clog.Duration("poll_interval", j.cfg.PollInterval),
		clog.Duration("grace_period", j.cfg.GracePeriod))

	j.runGuarded(func() { j.Recover(ctx) })

	pollTicker := time.NewTicker(j.cfg.PollInterval)
	purgeTicker := time.NewTicker(j.cfg.PurgeInterval)
	defer pollTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("outbox relay job stopped")
			return
		case <-pollTicker.C:
			j.runGuarded(func() { j.Poll(ctx) })
		case <-purgeTicker.C:
			j.runGuarded(func() { j.Purge(ctx) })
		}
	}
}

func (j *OutboxRelay) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in outbox relay job", clog.Any("panic", r))
		}
	}()
	fn()
}

// Recover 启动时补发所有 saga 未落终态的 STARTED 行。进程刚起来时
// 没有在途的投递回调，不需要等宽限期，崩溃前丢投递的行立即重发。
func (j *OutboxRelay) Recover(ctx context.Context) {
	for _, helper := range j.helpers {
		rows, err := helper.FindByOutboxStatusAndSagaStatus(ctx, model.OutboxStatusStarted,
			saga.StatusStarted, saga.StatusProcessing, saga.StatusCompensating)
		if err != nil {
			j.logger.Error("failed to load undelivered outbox rows",
				clog.String("table", helper.Table()),
				clog.Error(err))
			continue
		}
		if len(rows) == 0 {
			continue
		}

		j.logger.Info("recovering undelivered outbox rows",
			clog.String("table", helper.Table()),
			clog.Int("count", len(rows)))
		for _, row := range rows {
			j.relay(ctx, helper, row.ID, row.SagaID, row.Topic, row.Payload)
		}
	}
}

// Poll 单轮补发：先把 FAILED 行重置回 STARTED，再补发超过宽限期的行
func (j *OutboxRelay) Poll(ctx context.Context) {
	olderThan := time.Now().Add(-j.cfg.GracePeriod)

	for _, helper := range j.helpers {
		if _, err := helper.ResetFailed(ctx, j.cfg.ResendLimit); err != nil {
			j.logger.Error("failed to reset failed outbox rows",
				clog.String("table", helper.Table()),
				clog.Error(err))
		}

		rows, err := helper.FindPublishable(ctx, olderThan, j.cfg.BatchSize)
		if err != nil {
			j.logger.Error("failed to load publishable outbox rows",
				clog.String("table", helper.Table()),
				clog.Error(err))
			continue
		}
		if len(rows) == 0 {
			continue
		}

		j.logger.Debug("relaying outbox rows",
			clog.String("table", helper.Table()),
			clog.Int("count", len(rows)))
		for _, row := range rows {
			j.relay(ctx, helper, row.ID, row.SagaID, row.Topic, row.Payload)
		}
	}
}

// relay 补发单行。分区键用 saga id，同一 saga 的消息保持同分区有序。
func (j *OutboxRelay) relay(ctx context.Context, helper *outbox.Helper, id, sagaID, topic string, payload []byte) {
	j.publisher.Publish(ctx, topic, sagaID, payload, func(err error) {
		if err != nil {
			observability.RecordOutboxPublishFailed(ctx, metrics.L("topic", topic))
			j.logger.Warn("failed to relay outbox row",
				clog.String("id", id),
				clog.String("topic", topic),
				clog.Error(err))
		} else {
			observability.RecordOutboxPublish(ctx, metrics.L("topic", topic))
		}
		if markErr := helper.MarkDelivery(ctx, id, err == nil); markErr != nil {
			j.logger.Error("failed to record delivery outcome",
				clog.String("id", id),
				clog.Error(markErr))
		}
	})
}

// Purge 清理已投递且 saga 已落终态的行
func (j *OutboxRelay) Purge(ctx context.Context) {
	for _, helper := range j.helpers {
		deleted, err := helper.Purge(ctx)
		if err != nil {
			j.logger.Error("failed to purge settled outbox rows",
				clog.String("table", helper.Table()),
				clog.Error(err))
			continue
		}
		if deleted > 0 {
			j.logger.Info("purged settled outbox rows",
				clog.String("table", helper.Table()),
				clog.Int64("count", deleted))
		}
	}
}
