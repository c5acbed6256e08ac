package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/saga"
	"gorm.io/gorm"
)

// OutboxRepoOption 配置 OutboxRepo 的选项
type OutboxRepoOption func(*outboxRepoOptions)

type outboxRepoOptions struct {
	logger clog.Logger
}

// WithOutboxRepoLogger 设置日志记录器
func WithOutboxRepoLogger(logger clog.Logger) OutboxRepoOption {
	return func(o *outboxRepoOptions) {
		o.logger = logger
	}
}

// outboxRepo 实现 OutboxRepo 接口，table 选择物理表
type outboxRepo struct {
	db     db.DB
	table  string
	logger clog.Logger
}

// NewOutboxRepo 创建指向某张 outbox 表的仓储实例
func NewOutboxRepo(database db.DB, table string, opts ...OutboxRepoOption) (OutboxRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if table == "" {
		return nil, fmt.Errorf("outbox table cannot be empty")
	}

	options := &outboxRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	// 自动迁移表结构
	// 注意：生产环境建议使用专门的 migration 工具管理 schema，此处仅为简化开发
	if err := database.DB(context.Background()).Table(table).AutoMigrate(&model.OutboxMessage{}); err != nil {
		return nil, fmt.Errorf("failed to migrate outbox table %s: %w", table, err)
	}

	return &outboxRepo{
		db:     database,
		table:  table,
		logger: logger.WithNamespace("outbox_repo"),
	}, nil
}

func (r *outboxRepo) Save(ctx context.Context, msg *model.OutboxMessage) error {
	if msg == nil {
		return fmt.Errorf("outbox message cannot be nil")
	}
	if msg.ID == "" {
		return fmt.Errorf("outbox message id cannot be empty")
	}

	result := r.db.DB(ctx).Table(r.table).Create(msg)
	if result.Error != nil {
		r.logger.Error("failed to save outbox message",
			clog.String("id", msg.ID),
			clog.String("saga_id", msg.SagaID),
			clog.Error(result.Error))
		return fmt.Errorf("save outbox message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 写入未生效，必须让所在事务整体回滚
		return ErrNoIdentity
	}
	return nil
}

func (r *outboxRepo) FindBySagaIDAndSagaStatus(ctx context.Context, sagaID string, statuses ...saga.Status) (*model.OutboxMessage, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga_id cannot be empty")
	}

	var msg model.OutboxMessage
	err := r.db.DB(ctx).Table(r.table).
		Where("saga_id = ? AND saga_status IN ?", sagaID, sagaStatusStrings(statuses)).
		Order("created_at DESC").
		Take(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find outbox by saga_id: %w", err)
	}
	return &msg, nil
}

func (r *outboxRepo) FindBySagaIDAndTopic(ctx context.Context, sagaID, topic string) (*model.OutboxMessage, error) {
	if sagaID == "" || topic == "" {
		return nil, fmt.Errorf("saga_id and topic cannot be empty")
	}

	var msg model.OutboxMessage
	err := r.db.DB(ctx).Table(r.table).
		Where("saga_id = ? AND topic = ?", sagaID, topic).
		Take(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find outbox by saga_id and topic: %w", err)
	}
	return &msg, nil
}

func (r *outboxRepo) CountBySagaIDAndSagaStatus(ctx context.Context, sagaID string, statuses ...saga.Status) (int64, error) {
	if sagaID == "" {
		return 0, fmt.Errorf("saga_id cannot be empty")
	}

	var count int64
	err := r.db.DB(ctx).Table(r.table).
		Where("saga_id = ? AND saga_status IN ?", sagaID, sagaStatusStrings(statuses)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count outbox by saga_id: %w", err)
	}
	return count, nil
}

func (r *outboxRepo) FindByOutboxStatusAndSagaStatus(ctx context.Context, outboxStatus string, statuses ...saga.Status) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := r.db.DB(ctx).Table(r.table).
		Where("outbox_status = ? AND saga_status IN ?", outboxStatus, sagaStatusStrings(statuses)).
		Order("created_at").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("find outbox by status: %w", err)
	}
	return msgs, nil
}

func (r *outboxRepo) FindPublishable(ctx context.Context, olderThan time.Time, limit int) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := r.db.DB(ctx).Table(r.table).
		Where("outbox_status = ? AND created_at < ?", model.OutboxStatusStarted, olderThan).
		Order("created_at").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("find publishable outbox rows: %w", err)
	}
	return msgs, nil
}

func (r *outboxRepo) Update(ctx context.Context, msg *model.OutboxMessage) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("outbox message id cannot be empty")
	}

	result := r.db.DB(ctx).Table(r.table).Where("id = ?", msg.ID).Updates(map[string]any{
		"outbox_status": msg.OutboxStatus,
		"saga_status":   msg.SagaStatus,
		"processed_at":  msg.ProcessedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("update outbox message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *outboxRepo) UpdateOutboxStatus(ctx context.Context, id, outboxStatus string) error {
	if id == "" {
		return fmt.Errorf("outbox message id cannot be empty")
	}

	now := time.Now()
	result := r.db.DB(ctx).Table(r.table).
		Where("id = ? AND outbox_status = ?", id, model.OutboxStatusStarted).
		Updates(map[string]any{
			"outbox_status": outboxStatus,
			"processed_at":  &now,
		})
	if result.Error != nil {
		return fmt.Errorf("update outbox status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 行已被并发迁移过（回调和重发轮询竞争时以先到者为准），按幂等处理
		r.logger.Debug("outbox status already transitioned",
			clog.String("id", id),
			clog.String("to", outboxStatus))
	}
	return nil
}

func (r *outboxRepo) ResetFailed(ctx context.Context, limit int) (int64, error) {
	// MySQL 不支持 UPDATE ... LIMIT 带子查询同表，分两步：先取 ID 再重置
	var ids []string
	err := r.db.DB(ctx).Table(r.table).
		Where("outbox_status = ?", model.OutboxStatusFailed).
		Order("created_at").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list failed outbox rows: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.DB(ctx).Table(r.table).
		Where("id IN ? AND outbox_status = ?", ids, model.OutboxStatusFailed).
		Update("outbox_status", model.OutboxStatusStarted)
	if result.Error != nil {
		return 0, fmt.Errorf("reset failed outbox rows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *outboxRepo) DeleteByOutboxStatusAndSagaStatus(ctx context.Context, outboxStatus string, statuses ...saga.Status) (int64, error) {
	result := r.db.DB(ctx).Table(r.table).
		Where("outbox_status = ? AND saga_status IN ?", outboxStatus, sagaStatusStrings(statuses)).
		Delete(&model.OutboxMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete outbox rows: %w", result.Error)
	}
	return result.RowsAffected, nil
}
