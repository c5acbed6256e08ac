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

// BookingRepoOption 配置 BookingRepo 的选项
type BookingRepoOption func(*bookingRepoOptions)

type bookingRepoOptions struct {
	logger clog.Logger
}

// WithBookingRepoLogger 设置日志记录器
func WithBookingRepoLogger(logger clog.Logger) BookingRepoOption {
	return func(o *bookingRepoOptions) {
		o.logger = logger
	}
}

type bookingRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewBookingRepo 创建预订仓储实例
func NewBookingRepo(database db.DB, opts ...BookingRepoOption) (BookingRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &bookingRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	if err := database.DB(context.Background()).AutoMigrate(&model.Booking{}); err != nil {
		return nil, fmt.Errorf("failed to migrate booking table: %w", err)
	}

	return &bookingRepo{
		db:     database,
		logger: logger.WithNamespace("booking_repo"),
	}, nil
}

// applyOutboxOps 在当前事务内执行 outbox 写入，任一写入无效即回滚整个事务
func applyOutboxOps(tx *gorm.DB, ops []OutboxOp) error {
	for _, op := range ops {
		if op.Table == "" {
			return fmt.Errorf("outbox op table cannot be empty")
		}
		if op.Insert != nil {
			result := tx.Table(op.Table).Create(op.Insert)
			if result.Error != nil {
				return fmt.Errorf("insert outbox row into %s: %w", op.Table, result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrNoIdentity
			}
		}
		if op.Update != nil {
			result := tx.Table(op.Table).Where("id = ?", op.Update.ID).Updates(map[string]any{
				"outbox_status": op.Update.OutboxStatus,
				"saga_status":   op.Update.SagaStatus,
				"processed_at":  op.Update.ProcessedAt,
			})
			if result.Error != nil {
				return fmt.Errorf("update outbox row in %s: %w", op.Table, result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrNoIdentity
			}
		}
	}
	return nil
}

func (r *bookingRepo) CreateWithOutbox(ctx context.Context, booking *model.Booking, ops ...OutboxOp) error {
	if booking == nil {
		return fmt.Errorf("booking cannot be nil")
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		result := tx.Create(booking)
		if result.Error != nil {
			return fmt.Errorf("create booking: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoIdentity
		}
		return applyOutboxOps(tx, ops)
	})
	if err != nil {
		r.logger.Error("failed to create booking with outbox",
			clog.String("booking_id", booking.BookingID),
			clog.String("saga_id", booking.SagaID),
			clog.Error(err))
		return err
	}

	r.logger.Info("booking created",
		clog.String("booking_id", booking.BookingID),
		clog.Int64("booking_no", booking.BookingNo),
		clog.String("saga_id", booking.SagaID))
	return nil
}

func (r *bookingRepo) GetByID(ctx context.Context, bookingID string) (*model.Booking, error) {
	if bookingID == "" {
		return nil, fmt.Errorf("booking_id cannot be empty")
	}

	var booking model.Booking
	err := r.db.DB(ctx).Where("booking_id = ?", bookingID).Take(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &booking, nil
}

func (r *bookingRepo) GetBySagaID(ctx context.Context, sagaID string) (*model.Booking, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga_id cannot be empty")
	}

	var booking model.Booking
	err := r.db.DB(ctx).Where("saga_id = ?", sagaID).Take(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get booking by saga_id: %w", err)
	}
	return &booking, nil
}

func (r *bookingRepo) UpdateStatus(ctx context.Context, bookingID string, expectFrom []string, to, reason string) error {
	return r.UpdateStatusWithOutbox(ctx, bookingID, expectFrom, to, reason)
}

func (r *bookingRepo) UpdateStatusWithOutbox(ctx context.Context, bookingID string, expectFrom []string, to, reason string, ops ...OutboxOp) error {
	if bookingID == "" {
		return fmt.Errorf("booking_id cannot be empty")
	}
	if to == "" {
		return fmt.Errorf("target status cannot be empty")
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		updates := map[string]any{"status": to}
		if reason != "" {
			updates["failure_reason"] = reason
		}

		query := tx.Model(&model.Booking{}).Where("booking_id = ?", bookingID)
		if len(expectFrom) > 0 {
			query = query.Where("status IN ?", expectFrom)
		}

		result := query.Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("update booking status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// 状态守卫未命中：要么预订不存在，要么已被并发流转
			return ErrStatusConflict
		}
		return applyOutboxOps(tx, ops)
	})
	if err != nil {
		if !errors.Is(err, ErrStatusConflict) {
			r.logger.Error("failed to update booking status",
				clog.String("booking_id", bookingID),
				clog.String("to", to),
				clog.Error(err))
		}
		return err
	}

	r.logger.Info("booking status updated",
		clog.String("booking_id", bookingID),
		clog.String("to", to))
	return nil
}
