package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/ziqiyuan/innflow/internal/model"
	"gorm.io/gorm"
)

// NotificationRepoOption 配置 NotificationRepo 的选项
type NotificationRepoOption func(*notificationRepoOptions)

type notificationRepoOptions struct {
	logger clog.Logger
}

// WithNotificationRepoLogger 设置日志记录器
func WithNotificationRepoLogger(logger clog.Logger) NotificationRepoOption {
	return func(o *notificationRepoOptions) {
		o.logger = logger
	}
}

type notificationRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewNotificationRepo 创建通知仓储实例
func NewNotificationRepo(database db.DB, opts ...NotificationRepoOption) (NotificationRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &notificationRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	if err := database.DB(context.Background()).AutoMigrate(&model.Notification{}); err != nil {
		return nil, fmt.Errorf("failed to migrate notification table: %w", err)
	}

	return &notificationRepo{
		db:     database,
		logger: logger.WithNamespace("notification_repo"),
	}, nil
}

func (r *notificationRepo) Save(ctx context.Context, n *model.Notification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	result := r.db.DB(ctx).Create(n)
	if result.Error != nil {
		r.logger.Error("failed to save notification",
			clog.String("notification_id", n.NotificationID),
			clog.String("saga_id", n.SagaID),
			clog.Error(result.Error))
		return fmt.Errorf("save notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoIdentity
	}
	return nil
}

func (r *notificationRepo) GetBySagaID(ctx context.Context, sagaID string) (*model.Notification, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga_id cannot be empty")
	}

	var n model.Notification
	err := r.db.DB(ctx).Where("saga_id = ?", sagaID).Take(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get notification by saga_id: %w", err)
	}
	return &n, nil
}
