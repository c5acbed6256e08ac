// Package orchestrator 驱动预订 saga：消费各跳步回执、推进 booking 聚合、
// 写入下一跳的 outbox 行，失败时按完成顺序的逆序发起补偿。
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/outbox"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// BookingStatusToSagaStatus 把 booking 聚合状态映射到 saga 状态。
// 映射是穷举的：未知状态返回错误而不是静默落回 STARTED，
// 让新增聚合状态时漏改映射的错误在第一次使用就暴露。
func BookingStatusToSagaStatus(bookingStatus string) (saga.Status, error) {
	switch bookingStatus {
	case model.BookingStatusPending:
		return saga.StatusStarted, nil
	case model.BookingStatusRoomReserved, model.BookingStatusPaid:
		return saga.StatusProcessing, nil
	case model.BookingStatusConfirmed, model.BookingStatusCheckedIn, model.BookingStatusCheckedOut:
		return saga.StatusFinished, nil
	case model.BookingStatusCancelling:
		return saga.StatusCompensating, nil
	case model.BookingStatusCancelled:
		return saga.StatusCompensated, nil
	default:
		return "", saga.NewUnmappedStatusError(bookingStatus)
	}
}

// Helper 聚合 saga 推进所需的仓储与三张 outbox 表
type Helper struct {
	bookings     repo.BookingRepo
	roomOutbox   *outbox.Helper
	payOutbox    *outbox.Helper
	notifyOutbox *outbox.Helper
	logger       clog.Logger
}

// HelperOption 配置 Helper 的选项
type HelperOption func(*Helper)

// WithHelperLogger 设置日志记录器
func WithHelperLogger(logger clog.Logger) HelperOption {
	return func(h *Helper) {
		h.logger = logger
	}
}

// NewHelper 创建 saga Helper
func NewHelper(bookings repo.BookingRepo, roomOutbox, payOutbox, notifyOutbox *outbox.Helper, opts ...HelperOption) (*Helper, error) {
	if bookings == nil {
		return nil, fmt.Errorf("booking repo cannot be nil")
	}
	if roomOutbox == nil || payOutbox == nil || notifyOutbox == nil {
		return nil, fmt.Errorf("outbox helpers cannot be nil")
	}

	h := &Helper{
		bookings:     bookings,
		roomOutbox:   roomOutbox,
		payOutbox:    payOutbox,
		notifyOutbox: notifyOutbox,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = clog.Discard()
	}
	h.logger = h.logger.WithNamespace("orchestrator")

	return h, nil
}

// acceptReply 回执准入检查：saga 必须有对应请求 topic 的 outbox 行，
// 且该行的 saga 状态未到终态。不满足的回执是迟到或重复投递，直接丢弃。
func (h *Helper) acceptReply(ctx context.Context, helper *outbox.Helper, env *event.Envelope, requestTopic string) (*model.OutboxMessage, bool) {
	row, err := helper.FindBySagaIDAndTopic(ctx, env.SagaID, requestTopic)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			h.logger.Warn("reply for unknown saga hop dropped",
				clog.String("saga_id", env.SagaID),
				clog.String("request_topic", requestTopic))
			return nil, false
		}
		h.logger.Error("failed to look up outbox row for reply",
			clog.String("saga_id", env.SagaID),
			clog.Error(err))
		return nil, false
	}

	if saga.Status(row.SagaStatus).Terminal() {
		h.logger.Warn("stale reply for settled saga dropped",
			clog.String("saga_id", env.SagaID),
			clog.String("request_topic", requestTopic),
			clog.String("saga_status", row.SagaStatus))
		return nil, false
	}
	return row, true
}

// buildRequestRow 构造下一跳的请求行：封装 envelope 并写入对应 outbox 表
func (h *Helper) buildRequestRow(helper *outbox.Helper, b *model.Booking, topic, kind string, payload any, status saga.Status) (repo.OutboxOp, error) {
	env, err := event.New(b.SagaID, b.BookingID, kind, payload)
	if err != nil {
		return repo.OutboxOp{}, err
	}
	data, err := event.Marshal(env)
	if err != nil {
		return repo.OutboxOp{}, err
	}
	row := helper.Build(b.SagaID, event.SagaType, b.BookingID, topic, data, status)
	return helper.InsertOp(row), nil
}

// forwardHops 正向三跳的 (表, 请求 topic) 对
func (h *Helper) forwardHops() []struct {
	helper *outbox.Helper
	topic  string
} {
	return []struct {
		helper *outbox.Helper
		topic  string
	}{
		{h.roomOutbox, event.TopicRoomReserveRequest},
		{h.payOutbox, event.TopicPaymentChargeRequest},
		{h.notifyOutbox, event.TopicNotificationSendRequest},
	}
}

// settleForwardOps 补偿开始时把正向跳步行直接置为 COMPENSATED。
// 它们的撤销动作由专门的补偿请求行跟踪，COMPENSATING 状态只留给
// 等待回执的补偿行，收敛判定才能按 COMPENSATING 计数。
func (h *Helper) settleForwardOps(ctx context.Context, sagaID string) ([]repo.OutboxOp, error) {
	var ops []repo.OutboxOp
	for _, hop := range h.forwardHops() {
		row, err := hop.helper.FindBySagaIDAndTopic(ctx, sagaID, hop.topic)
		if err != nil {
			continue
		}
		if saga.Status(row.SagaStatus).Terminal() {
			continue
		}
		op, err := hop.helper.AdvanceOp(row, saga.StatusCompensated)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// compensationPlan 指定要发出的补偿请求
type compensationPlan struct {
	refundPayment bool
	releaseRoom   bool
}

// startCompensation 统一的补偿入口：结清正向行、写入补偿请求行、
// booking 迁移到 CANCELLING，全部落在同一事务。
func (h *Helper) startCompensation(ctx context.Context, b *model.Booking, expectFrom []string, reason string, plan compensationPlan) error {
	ops, err := h.settleForwardOps(ctx, b.SagaID)
	if err != nil {
		return err
	}

	if plan.refundPayment {
		op, err := h.buildRequestRow(h.payOutbox, b, event.TopicPaymentRefundRequest,
			event.KindPaymentRefund, &event.PaymentRefundRequest{
				GuestID:     b.GuestID,
				AmountCents: b.AmountCents,
				Currency:    b.Currency,
			}, saga.StatusCompensating)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	if plan.releaseRoom {
		op, err := h.buildRequestRow(h.roomOutbox, b, event.TopicRoomReleaseRequest,
			event.KindRoomReleaseRequest, &event.RoomReleaseRequest{RoomID: b.RoomID}, saga.StatusCompensating)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	if err := h.bookings.UpdateStatusWithOutbox(ctx, b.BookingID, expectFrom,
		model.BookingStatusCancelling, reason, ops...); err != nil {
		return err
	}

	h.logger.Info("compensation started",
		clog.String("booking_id", b.BookingID),
		clog.String("saga_id", b.SagaID),
		clog.String("reason", reason))
	return nil
}

// OnCompensationAck 处理一条补偿回执。最后一条回执把补偿行结清和
// booking 的 CANCELLING -> CANCELLED 迁移放进同一事务：两次独立写入
// 之间若崩溃，补偿行已到终态、重投的回执会被当迟到丢弃，booking 就
// 永远卡在 CANCELLING。
func (h *Helper) OnCompensationAck(ctx context.Context, helper *outbox.Helper, env *event.Envelope, requestTopic string) error {
	row, err := helper.FindBySagaIDAndTopic(ctx, env.SagaID, requestTopic)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			h.logger.Warn("reply for unknown saga hop dropped",
				clog.String("saga_id", env.SagaID),
				clog.String("request_topic", requestTopic))
			return nil
		}
		return err
	}

	if saga.Status(row.SagaStatus).Terminal() {
		// 行已结清但 booking 可能还没落终态（上次收敛写入失败后重投），
		// 再走一次收敛判定而不是直接丢弃。
		return h.tryFinalizeCompensation(ctx, env.SagaID, env.BookingID)
	}

	pending, err := h.countCompensating(ctx, env.SagaID)
	if err != nil {
		return err
	}
	if pending <= 1 {
		// 只剩当前这条补偿行：结清与 booking 终态迁移同一事务提交
		op, err := helper.AdvanceOp(row, saga.StatusCompensated)
		if err != nil {
			return err
		}
		if err := h.bookings.UpdateStatusWithOutbox(ctx, env.BookingID,
			[]string{model.BookingStatusCancelling}, model.BookingStatusCancelled, "", op); err != nil {
			if errors.Is(err, repo.ErrStatusConflict) {
				// 另一条补偿回执已经完成收敛，单独结清本行即可
				return helper.Advance(ctx, row, saga.StatusCompensated)
			}
			return err
		}
		observability.RecordSagaCompensated(ctx)
		h.logger.Info("saga compensated",
			clog.String("booking_id", env.BookingID),
			clog.String("saga_id", env.SagaID))
		return nil
	}

	if err := helper.Advance(ctx, row, saga.StatusCompensated); err != nil {
		return err
	}
	return h.tryFinalizeCompensation(ctx, env.SagaID, env.BookingID)
}

// countCompensating 统计三张 outbox 表中仍在等待回执的补偿行
func (h *Helper) countCompensating(ctx context.Context, sagaID string) (int64, error) {
	var total int64
	for _, helper := range []*outbox.Helper{h.roomOutbox, h.payOutbox, h.notifyOutbox} {
		pending, err := helper.CountBySagaIDAndSagaStatus(ctx, sagaID, saga.StatusCompensating)
		if err != nil {
			return 0, err
		}
		total += pending
	}
	return total, nil
}

func (h *Helper) tryFinalizeCompensation(ctx context.Context, sagaID, bookingID string) error {
	pending, err := h.countCompensating(ctx, sagaID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	err = h.bookings.UpdateStatus(ctx, bookingID,
		[]string{model.BookingStatusCancelling}, model.BookingStatusCancelled, "")
	if err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			// 另一条补偿回执已经完成收敛
			return nil
		}
		return err
	}

	observability.RecordSagaCompensated(ctx)
	h.logger.Info("saga compensated",
		clog.String("booking_id", bookingID),
		clog.String("saga_id", sagaID))
	return nil
}

// OnRoomReleased 处理房间释放确认
func (h *Helper) OnRoomReleased(ctx context.Context, env *event.Envelope) error {
	return h.OnCompensationAck(ctx, h.roomOutbox, env, event.TopicRoomReleaseRequest)
}

// OnPaymentRefunded 处理退款确认
func (h *Helper) OnPaymentRefunded(ctx context.Context, env *event.Envelope) error {
	return h.OnCompensationAck(ctx, h.payOutbox, env, event.TopicPaymentRefundRequest)
}

// StartCancellation 对 CONFIRMED 预订发起人工取消：退款 + 释放房间
func (h *Helper) StartCancellation(ctx context.Context, b *model.Booking, reason string) error {
	return h.startCompensation(ctx, b, []string{model.BookingStatusConfirmed}, reason,
		compensationPlan{refundPayment: true, releaseRoom: true})
}
