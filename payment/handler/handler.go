// Package handler 处理扣款与退款请求。
// 额度不足是业务结果：回执带 PAYMENT_DECLINED，账面落 FAILED，不进重试。
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"github.com/google/uuid"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// RequestTopics payment 服务订阅的请求 topic
func RequestTopics() []string {
	return []string{
		event.TopicPaymentChargeRequest,
		event.TopicPaymentRefundRequest,
	}
}

// Handler payment 服务的消息处理器
type Handler struct {
	payments repo.PaymentRepo
	logger   clog.Logger
}

// NewHandler 创建处理器
func NewHandler(payments repo.PaymentRepo, logger clog.Logger) (*Handler, error) {
	if payments == nil {
		return nil, fmt.Errorf("payment repo cannot be nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &Handler{
		payments: payments,
		logger:   logger.WithNamespace("payment-handler"),
	}, nil
}

// Route 解析请求路由
func (h *Handler) Route(msg *kafkax.Message) (*kafkax.Route, error) {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("malformed request on %s: %w", msg.Topic, err)
	}

	route := &kafkax.Route{
		CorrelationID: env.ID,
		ReplyKey:      env.PartitionKey(),
	}
	switch msg.Topic {
	case event.TopicPaymentChargeRequest:
		route.IdempotencyKey = "PAYMENT:CHARGE:" + env.SagaID
		route.ReplyTopic = event.TopicPaymentChargeResponse
	case event.TopicPaymentRefundRequest:
		route.IdempotencyKey = "PAYMENT:REFUND:" + env.SagaID
		route.ReplyTopic = event.TopicPaymentRefundResponse
	default:
		return nil, fmt.Errorf("request on unexpected topic %s", msg.Topic)
	}
	return route, nil
}

// Handle 执行请求并构造回执
func (h *Handler) Handle(ctx context.Context, msg *kafkax.Message) ([]byte, error) {
	start := time.Now()
	defer func() {
		observability.RecordRequestProcess(ctx, time.Since(start), metrics.L("topic", msg.Topic))
	}()

	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil, err
	}

	switch msg.Topic {
	case event.TopicPaymentChargeRequest:
		return h.charge(ctx, env)
	case event.TopicPaymentRefundRequest:
		return h.refund(ctx, env)
	default:
		return nil, fmt.Errorf("request on unexpected topic %s", msg.Topic)
	}
}

func (h *Handler) charge(ctx context.Context, env *event.Envelope) ([]byte, error) {
	req, err := event.Decode[event.PaymentChargeRequest](env)
	if err != nil {
		return nil, err
	}

	payment := &model.Payment{
		PaymentID:   uuid.NewString(),
		SagaID:      env.SagaID,
		BookingID:   env.BookingID,
		GuestID:     req.GuestID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}

	if err := h.payments.Charge(ctx, payment); err != nil {
		if errors.Is(err, repo.ErrInsufficientCredit) {
			h.logger.Info("charge declined",
				clog.String("saga_id", env.SagaID),
				clog.String("guest_id", req.GuestID),
				clog.Int64("amount_cents", req.AmountCents))
			return h.marshalReply(env, event.KindPaymentChargeReply, &event.PaymentChargeReply{
				PaymentID: payment.PaymentID,
				Status:    event.PaymentDeclined,
				Reason:    "insufficient credit",
			})
		}
		return nil, fmt.Errorf("charge guest %s: %w", req.GuestID, err)
	}

	h.logger.Info("charge completed",
		clog.String("saga_id", env.SagaID),
		clog.String("payment_id", payment.PaymentID),
		clog.Int64("amount_cents", req.AmountCents))
	return h.marshalReply(env, event.KindPaymentChargeReply, &event.PaymentChargeReply{
		PaymentID: payment.PaymentID,
		Status:    event.PaymentCompleted,
	})
}

// refund 退款。请求可以不带 payment_id，此时按 saga 定位账面；
// 找不到账面说明扣款从未成功过，退款视为已完成。
func (h *Handler) refund(ctx context.Context, env *event.Envelope) ([]byte, error) {
	req, err := event.Decode[event.PaymentRefundRequest](env)
	if err != nil {
		return nil, err
	}

	paymentID := req.PaymentID
	if paymentID == "" {
		payment, err := h.payments.GetBySagaID(ctx, env.SagaID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				h.logger.Warn("refund for saga with no payment, treated as settled",
					clog.String("saga_id", env.SagaID))
				return h.marshalReply(env, event.KindPaymentRefundReply, &event.PaymentRefundReply{
					Status: event.PaymentRefunded,
				})
			}
			return nil, fmt.Errorf("resolve payment for saga %s: %w", env.SagaID, err)
		}
		paymentID = payment.PaymentID
	}

	if _, err := h.payments.Refund(ctx, paymentID); err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", paymentID, err)
	}

	h.logger.Info("refund completed",
		clog.String("saga_id", env.SagaID),
		clog.String("payment_id", paymentID))
	return h.marshalReply(env, event.KindPaymentRefundReply, &event.PaymentRefundReply{
		Status: event.PaymentRefunded,
	})
}

func (h *Handler) marshalReply(req *event.Envelope, kind string, payload any) ([]byte, error) {
	reply, err := event.NewReply(req, kind, payload)
	if err != nil {
		return nil, err
	}
	return event.Marshal(reply)
}
