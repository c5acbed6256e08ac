package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// 三个正向跳步都实现 saga.Step[*event.Envelope]。
// Process 推进聚合并写下一跳的请求行；Rollback 发起补偿。
// 聚合状态守卫 (expectFrom) 让重复回执自然落空，无需额外去重。
var (
	_ saga.Step[*event.Envelope] = (*RoomStep)(nil)
	_ saga.Step[*event.Envelope] = (*PaymentStep)(nil)
	_ saga.Step[*event.Envelope] = (*NotifyStep)(nil)
)

// RoomStep 房间预留跳步
type RoomStep struct {
	h *Helper
}

// NewRoomStep 创建房间预留跳步
func NewRoomStep(h *Helper) *RoomStep {
	return &RoomStep{h: h}
}

// Process 房间锁定成功：booking 进入 ROOM_RESERVED 并发出扣款请求
func (s *RoomStep) Process(ctx context.Context, reply *event.Envelope) error {
	h := s.h
	row, ok := h.acceptReply(ctx, h.roomOutbox, reply, event.TopicRoomReserveRequest)
	if !ok {
		return nil
	}

	b, err := h.bookings.GetBySagaID(ctx, reply.SagaID)
	if err != nil {
		return fmt.Errorf("load booking for saga %s: %w", reply.SagaID, err)
	}

	chargeOp, err := h.buildRequestRow(h.payOutbox, b, event.TopicPaymentChargeRequest,
		event.KindPaymentCharge, &event.PaymentChargeRequest{
			GuestID:     b.GuestID,
			AmountCents: b.AmountCents,
			Currency:    b.Currency,
		}, saga.StatusProcessing)
	if err != nil {
		return err
	}

	roomOp, err := h.roomOutbox.AdvanceOp(row, saga.StatusProcessing)
	if err != nil {
		return err
	}

	err = h.bookings.UpdateStatusWithOutbox(ctx, b.BookingID,
		[]string{model.BookingStatusPending}, model.BookingStatusRoomReserved, "",
		roomOp, chargeOp)
	if err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			h.logger.Warn("duplicate room reservation reply dropped",
				clog.String("saga_id", reply.SagaID))
			return nil
		}
		return err
	}

	h.logger.Info("room reserved, charge requested",
		clog.String("booking_id", b.BookingID),
		clog.String("saga_id", b.SagaID))
	return nil
}

// Rollback 房间不可用：第一跳失败无需补偿，booking 直接取消
func (s *RoomStep) Rollback(ctx context.Context, reply *event.Envelope) error {
	h := s.h
	row, ok := h.acceptReply(ctx, h.roomOutbox, reply, event.TopicRoomReserveRequest)
	if !ok {
		return nil
	}

	payload, err := event.Decode[event.RoomReserveReply](reply)
	if err != nil {
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = "room unavailable"
	}

	roomOp, err := h.roomOutbox.AdvanceOp(row, saga.StatusCompensated)
	if err != nil {
		return err
	}

	err = h.bookings.UpdateStatusWithOutbox(ctx, reply.BookingID,
		[]string{model.BookingStatusPending}, model.BookingStatusCancelled, reason, roomOp)
	if err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			return nil
		}
		return err
	}

	h.logger.Info("booking cancelled, room unavailable",
		clog.String("booking_id", reply.BookingID),
		clog.String("saga_id", reply.SagaID))
	return nil
}

// PaymentStep 扣款跳步
type PaymentStep struct {
	h *Helper
}

// NewPaymentStep 创建扣款跳步
func NewPaymentStep(h *Helper) *PaymentStep {
	return &PaymentStep{h: h}
}

// Process 扣款成功：booking 进入 PAID 并发出通知请求
func (s *PaymentStep) Process(ctx context.Context, reply *event.Envelope) error {
	h := s.h
	row, ok := h.acceptReply(ctx, h.payOutbox, reply, event.TopicPaymentChargeRequest)
	if !ok {
		return nil
	}

	b, err := h.bookings.GetBySagaID(ctx, reply.SagaID)
	if err != nil {
		return fmt.Errorf("load booking for saga %s: %w", reply.SagaID, err)
	}

	notifyOp, err := h.buildRequestRow(h.notifyOutbox, b, event.TopicNotificationSendRequest,
		event.KindNotificationSend, &event.NotificationSendRequest{
			GuestID: b.GuestID,
			Channel: "email",
			Content: fmt.Sprintf("booking %s confirmed for room %s", b.BookingID, b.RoomID),
		}, saga.StatusProcessing)
	if err != nil {
		return err
	}

	payOp, err := h.payOutbox.AdvanceOp(row, saga.StatusProcessing)
	if err != nil {
		return err
	}

	err = h.bookings.UpdateStatusWithOutbox(ctx, b.BookingID,
		[]string{model.BookingStatusRoomReserved}, model.BookingStatusPaid, "",
		payOp, notifyOp)
	if err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			h.logger.Warn("duplicate payment reply dropped",
				clog.String("saga_id", reply.SagaID))
			return nil
		}
		return err
	}

	h.logger.Info("payment completed, notification requested",
		clog.String("booking_id", b.BookingID),
		clog.String("saga_id", b.SagaID))
	return nil
}

// Rollback 扣款被拒：房间已锁定，发出释放补偿
func (s *PaymentStep) Rollback(ctx context.Context, reply *event.Envelope) error {
	h := s.h
	if _, ok := h.acceptReply(ctx, h.payOutbox, reply, event.TopicPaymentChargeRequest); !ok {
		return nil
	}

	payload, err := event.Decode[event.PaymentChargeReply](reply)
	if err != nil {
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = "payment declined"
	}

	b, err := h.bookings.GetBySagaID(ctx, reply.SagaID)
	if err != nil {
		return fmt.Errorf("load booking for saga %s: %w", reply.SagaID, err)
	}

	err = h.startCompensation(ctx, b, []string{model.BookingStatusRoomReserved}, reason,
		compensationPlan{releaseRoom: true})
	if err != nil && !errors.Is(err, repo.ErrStatusConflict) {
		return err
	}
	return nil
}

// NotifyStep 通知跳步，saga 的最后一跳
type NotifyStep struct {
	h *Helper
}

// NewNotifyStep 创建通知跳步
func NewNotifyStep(h *Helper) *NotifyStep {
	return &NotifyStep{h: h}
}

// Process 通知送达：booking 进入 CONFIRMED，saga 结束，全部跳步行落终态
func (s *NotifyStep) Process(ctx context.Context, reply *event.Envelope) error {
	h := s.h
	if _, ok := h.acceptReply(ctx, h.notifyOutbox, reply, event.TopicNotificationSendRequest); !ok {
		return nil
	}

	var ops []repo.OutboxOp
	for _, hop := range h.forwardHops() {
		row, err := hop.helper.FindBySagaIDAndTopic(ctx, reply.SagaID, hop.topic)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return err
		}
		if saga.Status(row.SagaStatus).Terminal() {
			continue
		}
		op, err := hop.helper.AdvanceOp(row, saga.StatusFinished)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	err := h.bookings.UpdateStatusWithOutbox(ctx, reply.BookingID,
		[]string{model.BookingStatusPaid}, model.BookingStatusConfirmed, "", ops...)
	if err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			h.logger.Warn("duplicate notification reply dropped",
				clog.String("saga_id", reply.SagaID))
			return nil
		}
		return err
	}

	observability.RecordSagaFinished(ctx)
	h.logger.Info("saga finished, booking confirmed",
		clog.String("booking_id", reply.BookingID),
		clog.String("saga_id", reply.SagaID))
	return nil
}

// Rollback 通知失败：扣款与房锁都已生效，退款并释放房间
func (s *NotifyStep) Rollback(ctx context.Context, reply *event.Envelope) error {
	h := s.h
	if _, ok := h.acceptReply(ctx, h.notifyOutbox, reply, event.TopicNotificationSendRequest); !ok {
		return nil
	}

	payload, err := event.Decode[event.NotificationSendReply](reply)
	if err != nil {
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = "notification failed"
	}

	b, err := h.bookings.GetBySagaID(ctx, reply.SagaID)
	if err != nil {
		return fmt.Errorf("load booking for saga %s: %w", reply.SagaID, err)
	}

	err = h.startCompensation(ctx, b, []string{model.BookingStatusPaid}, reason,
		compensationPlan{refundPayment: true, releaseRoom: true})
	if err != nil && !errors.Is(err, repo.ErrStatusConflict) {
		return err
	}
	return nil
}
