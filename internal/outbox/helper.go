// Package outbox 提供本地消息表之上的操作封装。
// Helper 只读写数据库，不接触消息中间件；投递由 kafkax 与轮询任务完成。
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/google/uuid"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
)

// Helper 面向单个聚合的 outbox 操作。每张物理表一个实例。
type Helper struct {
	repo   repo.OutboxRepo
	table  string
	logger clog.Logger
}

// Option 配置 Helper 的选项
type Option func(*Helper)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(h *Helper) {
		h.logger = logger
	}
}

// NewHelper 创建指向某张 outbox 表的 Helper
func NewHelper(outboxRepo repo.OutboxRepo, table string, opts ...Option) (*Helper, error) {
	if outboxRepo == nil {
		return nil, fmt.Errorf("outbox repo cannot be nil")
	}
	if table == "" {
		return nil, fmt.Errorf("outbox table cannot be empty")
	}

	h := &Helper{
		repo:  outboxRepo,
		table: table,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = clog.Discard()
	}
	h.logger = h.logger.WithNamespace("outbox")

	return h, nil
}

// Table 返回该 Helper 绑定的物理表名，供事务内的 OutboxOp 使用
func (h *Helper) Table() string {
	return h.table
}

// Build 组装一条待投递的 outbox 行，outbox_status=STARTED。
// saga_status 由调用方按当前聚合状态给定。
func (h *Helper) Build(sagaID, sagaType, aggregateRefID, topic string, payload []byte, sagaStatus saga.Status) *model.OutboxMessage {
	return &model.OutboxMessage{
		ID:             uuid.NewString(),
		SagaID:         sagaID,
		SagaType:       sagaType,
		AggregateRefID: aggregateRefID,
		Topic:          topic,
		Payload:        payload,
		OutboxStatus:   model.OutboxStatusStarted,
		SagaStatus:     string(sagaStatus),
		CreatedAt:      time.Now(),
	}
}

// InsertOp 把一条新行包成事务内操作，供领域仓储在同一事务中落库
func (h *Helper) InsertOp(msg *model.OutboxMessage) repo.OutboxOp {
	return repo.OutboxOp{Table: h.table, Insert: msg}
}

// UpdateOp 把一次状态迁移包成事务内操作
func (h *Helper) UpdateOp(msg *model.OutboxMessage) repo.OutboxOp {
	return repo.OutboxOp{Table: h.table, Update: msg}
}

// Save 独立事务保存一条行；写入无效时返回错误使所在事务回滚
func (h *Helper) Save(ctx context.Context, msg *model.OutboxMessage) error {
	return h.repo.Save(ctx, msg)
}

// FindBySagaIDAndSagaStatus 查询某 saga 在给定 saga_status 集合中的行，零或一条
func (h *Helper) FindBySagaIDAndSagaStatus(ctx context.Context, sagaID string, statuses ...saga.Status) (*model.OutboxMessage, error) {
	return h.repo.FindBySagaIDAndSagaStatus(ctx, sagaID, statuses...)
}

// FindBySagaIDAndTopic 按 saga 与请求 topic 定位跳步行
func (h *Helper) FindBySagaIDAndTopic(ctx context.Context, sagaID, topic string) (*model.OutboxMessage, error) {
	return h.repo.FindBySagaIDAndTopic(ctx, sagaID, topic)
}

// CountBySagaIDAndSagaStatus 统计 saga 在指定状态下的行数
func (h *Helper) CountBySagaIDAndSagaStatus(ctx context.Context, sagaID string, statuses ...saga.Status) (int64, error) {
	return h.repo.CountBySagaIDAndSagaStatus(ctx, sagaID, statuses...)
}

// FindByOutboxStatusAndSagaStatus 批量查询，供投递与重发使用
func (h *Helper) FindByOutboxStatusAndSagaStatus(ctx context.Context, outboxStatus string, statuses ...saga.Status) ([]*model.OutboxMessage, error) {
	return h.repo.FindByOutboxStatusAndSagaStatus(ctx, outboxStatus, statuses...)
}

// FindPublishable 查询创建时间早于 olderThan 的 STARTED 行。
// 宽限期由调用方给定，避免与投递回调竞争。
func (h *Helper) FindPublishable(ctx context.Context, olderThan time.Time, limit int) ([]*model.OutboxMessage, error) {
	return h.repo.FindPublishable(ctx, olderThan, limit)
}

// transition 校验迁移并返回写入副本。同状态的迁移只补盖处理时间，
// 用于回执消费后给已处于目标状态的行打时间戳。
func transition(msg *model.OutboxMessage, to saga.Status) (*model.OutboxMessage, error) {
	from := saga.Status(msg.SagaStatus)
	if from != to && !saga.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal saga transition %s -> %s for outbox %s", from, to, msg.ID)
	}

	now := time.Now()
	cp := *msg
	cp.SagaStatus = string(to)
	cp.ProcessedAt = &now
	return &cp, nil
}

// AdvanceOp 校验迁移并包成事务内操作，供领域仓储在同一事务提交。
// 与 Advance 共用同一套迁移规则。
func (h *Helper) AdvanceOp(msg *model.OutboxMessage, to saga.Status) (repo.OutboxOp, error) {
	next, err := transition(msg, to)
	if err != nil {
		return repo.OutboxOp{}, err
	}
	return h.UpdateOp(next), nil
}

// Advance 迁移一条行的 saga_status 并打上处理时间
func (h *Helper) Advance(ctx context.Context, msg *model.OutboxMessage, to saga.Status) error {
	from := saga.Status(msg.SagaStatus)
	next, err := transition(msg, to)
	if err != nil {
		return err
	}
	if err := h.repo.Update(ctx, next); err != nil {
		return err
	}
	*msg = *next

	h.logger.Info("outbox saga status advanced",
		clog.String("id", msg.ID),
		clog.String("saga_id", msg.SagaID),
		clog.String("from", string(from)),
		clog.String("to", string(to)))
	return nil
}

// MarkDelivery 记录一次投递结果，STARTED -> {COMPLETED|FAILED}
func (h *Helper) MarkDelivery(ctx context.Context, id string, delivered bool) error {
	status := model.OutboxStatusCompleted
	if !delivered {
		status = model.OutboxStatusFailed
	}
	return h.repo.UpdateOutboxStatus(ctx, id, status)
}

// ResetFailed 把 FAILED 行重置回 STARTED，交还给投递轮询
func (h *Helper) ResetFailed(ctx context.Context, limit int) (int64, error) {
	return h.repo.ResetFailed(ctx, limit)
}

// Purge 删除已投递且 saga 已终态的行，返回删除行数
func (h *Helper) Purge(ctx context.Context) (int64, error) {
	n, err := h.repo.DeleteByOutboxStatusAndSagaStatus(ctx, model.OutboxStatusCompleted,
		saga.StatusFinished, saga.StatusCompensated)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.logger.Info("purged settled outbox rows",
			clog.String("table", h.table),
			clog.Int64("rows", n))
	}
	return n, nil
}
