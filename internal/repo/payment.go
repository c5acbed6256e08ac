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

// PaymentRepoOption 配置 PaymentRepo 的选项
type PaymentRepoOption func(*paymentRepoOptions)

type paymentRepoOptions struct {
	logger clog.Logger
}

// WithPaymentRepoLogger 设置日志记录器
func WithPaymentRepoLogger(logger clog.Logger) PaymentRepoOption {
	return func(o *paymentRepoOptions) {
		o.logger = logger
	}
}

type paymentRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewPaymentRepo 创建支付仓储实例
func NewPaymentRepo(database db.DB, opts ...PaymentRepoOption) (PaymentRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &paymentRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	if err := database.DB(context.Background()).AutoMigrate(
		&model.Payment{}, &model.GuestCredit{}, &model.CreditEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate payment tables: %w", err)
	}

	return &paymentRepo{
		db:     database,
		logger: logger.WithNamespace("payment_repo"),
	}, nil
}

// Charge 在单个事务中扣减额度、落支付单与流水。
// 条件 UPDATE 保证并发下余额不为负；扣减未命中时支付单以 FAILED 落库并返回 ErrInsufficientCredit。
func (r *paymentRepo) Charge(ctx context.Context, payment *model.Payment) error {
	if payment == nil {
		return fmt.Errorf("payment cannot be nil")
	}
	if payment.AmountCents <= 0 {
		return fmt.Errorf("charge amount must be positive")
	}

	var declined bool
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		result := tx.Model(&model.GuestCredit{}).
			Where("guest_id = ? AND balance_cents >= ?", payment.GuestID, payment.AmountCents).
			Update("balance_cents", gorm.Expr("balance_cents - ?", payment.AmountCents))
		if result.Error != nil {
			return fmt.Errorf("debit guest credit: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			declined = true
			payment.Status = model.PaymentStatusFailed
			payment.FailureReason = "insufficient credit"
		} else {
			payment.Status = model.PaymentStatusCompleted
		}

		create := tx.Create(payment)
		if create.Error != nil {
			return fmt.Errorf("create payment: %w", create.Error)
		}
		if create.RowsAffected == 0 {
			return ErrNoIdentity
		}

		if !declined {
			entry := &model.CreditEntry{
				GuestID:     payment.GuestID,
				PaymentID:   payment.PaymentID,
				Type:        model.CreditEntryDebit,
				AmountCents: payment.AmountCents,
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("create credit entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to charge payment",
			clog.String("payment_id", payment.PaymentID),
			clog.String("saga_id", payment.SagaID),
			clog.Error(err))
		return err
	}

	if declined {
		r.logger.Warn("payment declined",
			clog.String("payment_id", payment.PaymentID),
			clog.String("guest_id", payment.GuestID),
			clog.Int64("amount_cents", payment.AmountCents))
		return ErrInsufficientCredit
	}

	r.logger.Info("payment charged",
		clog.String("payment_id", payment.PaymentID),
		clog.String("saga_id", payment.SagaID),
		clog.Int64("amount_cents", payment.AmountCents))
	return nil
}

// Refund 把 COMPLETED 支付单反向入账。重复退款与对 FAILED 单的退款都按幂等成功处理。
func (r *paymentRepo) Refund(ctx context.Context, paymentID string) (*model.Payment, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("payment_id cannot be empty")
	}

	var payment model.Payment
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Where("payment_id = ?", paymentID).Take(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get payment: %w", err)
		}

		if payment.Status != model.PaymentStatusCompleted {
			// FAILED 无款可退，REFUNDED 已处理过
			return nil
		}

		result := tx.Model(&model.Payment{}).
			Where("payment_id = ? AND status = ?", paymentID, model.PaymentStatusCompleted).
			Update("status", model.PaymentStatusRefunded)
		if result.Error != nil {
			return fmt.Errorf("update payment status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// 并发退款已先行完成
			payment.Status = model.PaymentStatusRefunded
			return nil
		}

		if err := tx.Model(&model.GuestCredit{}).
			Where("guest_id = ?", payment.GuestID).
			Update("balance_cents", gorm.Expr("balance_cents + ?", payment.AmountCents)).Error; err != nil {
			return fmt.Errorf("credit guest balance: %w", err)
		}

		entry := &model.CreditEntry{
			GuestID:     payment.GuestID,
			PaymentID:   payment.PaymentID,
			Type:        model.CreditEntryCredit,
			AmountCents: payment.AmountCents,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create credit entry: %w", err)
		}
		payment.Status = model.PaymentStatusRefunded
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("failed to refund payment",
				clog.String("payment_id", paymentID),
				clog.Error(err))
		}
		return nil, err
	}

	r.logger.Info("payment refund processed",
		clog.String("payment_id", paymentID),
		clog.String("status", payment.Status))
	return &payment, nil
}

func (r *paymentRepo) GetBySagaID(ctx context.Context, sagaID string) (*model.Payment, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga_id cannot be empty")
	}

	var payment model.Payment
	err := r.db.DB(ctx).Where("saga_id = ?", sagaID).Take(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment by saga_id: %w", err)
	}
	return &payment, nil
}
