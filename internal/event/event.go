// Package event 定义服务间的 wire 消息：统一的 Envelope 外壳加各跳步的负载。
// 所有消息以 JSON 编码，分区键固定为 SagaID，保证同一 saga 的消息在单分区内有序。
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SagaType 业务流程名，写入每条 outbox 行
const SagaType = "booking-saga"

// Topic 常量。每对 request/response 对应一个跨服务跳步；
// release/refund 是补偿通道。DLT 命名见 DLT()。
const (
	TopicRoomReserveRequest  = "innflow.room.reserve.request"
	TopicRoomReserveResponse = "innflow.room.reserve.response"
	TopicRoomReleaseRequest  = "innflow.room.release.request"
	TopicRoomReleaseResponse = "innflow.room.release.response"

	TopicPaymentChargeRequest  = "innflow.payment.charge.request"
	TopicPaymentChargeResponse = "innflow.payment.charge.response"
	TopicPaymentRefundRequest  = "innflow.payment.refund.request"
	TopicPaymentRefundResponse = "innflow.payment.refund.response"

	TopicNotificationSendRequest  = "innflow.notification.send.request"
	TopicNotificationSendResponse = "innflow.notification.send.response"
)

// DLT 返回 topic 对应的死信 topic
func DLT(topic string) string {
	return topic + ".DLT"
}

// Envelope 所有 wire 消息共用的外壳。
// ID 是消息自身的唯一标识，同时充当应答请求的 correlation id；
// SagaID 既是消息归属，也是 Kafka 分区键。
type Envelope struct {
	ID            string              `json:"id"`
	SagaID        string              `json:"saga_id"`
	BookingID     string              `json:"booking_id"`
	CorrelationID string              `json:"correlation_id,omitempty"` // 回执消息回填其请求的 ID
	Kind          string              `json:"kind"`                     // 负载类型名
	CreatedAt     time.Time           `json:"created_at"`
	Payload       jsoniter.RawMessage `json:"payload"`
}

// PartitionKey 返回消息的分区键。同一 saga 的所有消息必须落在同一分区。
func (e *Envelope) PartitionKey() string {
	return e.SagaID
}

// 负载类型名
const (
	KindRoomReserveRequest  = "room.reserve.request"
	KindRoomReserveReply    = "room.reserve.reply"
	KindRoomReleaseRequest  = "room.release.request"
	KindRoomReleaseReply    = "room.release.reply"
	KindPaymentCharge       = "payment.charge.request"
	KindPaymentChargeReply  = "payment.charge.reply"
	KindPaymentRefund       = "payment.refund.request"
	KindPaymentRefundReply  = "payment.refund.reply"
	KindNotificationSend    = "notification.send.request"
	KindNotificationReply   = "notification.send.reply"
)

// 各跳步的回执状态枚举
const (
	RoomReserved    = "ROOM_RESERVED"
	RoomUnavailable = "ROOM_UNAVAILABLE"
	RoomReleased    = "ROOM_RELEASED"

	PaymentCompleted = "PAYMENT_COMPLETED"
	PaymentDeclined  = "PAYMENT_DECLINED"
	PaymentRefunded  = "PAYMENT_REFUNDED"

	NotificationSent   = "NOTIFICATION_SENT"
	NotificationFailed = "NOTIFICATION_FAILED"
)

// RoomReserveRequest 请求 room 服务在区间内锁定房间
type RoomReserveRequest struct {
	RoomID       string    `json:"room_id"`
	CheckInDate  time.Time `json:"check_in_date"`
	CheckOutDate time.Time `json:"check_out_date"`
}

// RoomReserveReply room 服务对预留请求的回执
type RoomReserveReply struct {
	Status string `json:"status"` // ROOM_RESERVED | ROOM_UNAVAILABLE
	Reason string `json:"reason,omitempty"`
}

// RoomReleaseRequest 补偿：释放已锁定的房间
type RoomReleaseRequest struct {
	RoomID string `json:"room_id"`
}

// RoomReleaseReply 释放确认
type RoomReleaseReply struct {
	Status string `json:"status"` // ROOM_RELEASED
}

// PaymentChargeRequest 请求 payment 服务扣款
type PaymentChargeRequest struct {
	GuestID     string `json:"guest_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// PaymentChargeReply 扣款回执
type PaymentChargeReply struct {
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status"` // PAYMENT_COMPLETED | PAYMENT_DECLINED
	Reason    string `json:"reason,omitempty"`
}

// PaymentRefundRequest 补偿：退款
type PaymentRefundRequest struct {
	PaymentID   string `json:"payment_id"`
	GuestID     string `json:"guest_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// PaymentRefundReply 退款确认
type PaymentRefundReply struct {
	Status string `json:"status"` // PAYMENT_REFUNDED
}

// NotificationSendRequest 请求 notify 服务发送预订通知
type NotificationSendRequest struct {
	GuestID string `json:"guest_id"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// NotificationSendReply 通知回执
type NotificationSendReply struct {
	Status string `json:"status"` // NOTIFICATION_SENT | NOTIFICATION_FAILED
	Reason string `json:"reason,omitempty"`
}

// New 构造一个请求消息的 Envelope，生成消息 ID 并序列化负载
func New(sagaID, bookingID, kind string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		SagaID:    sagaID,
		BookingID: bookingID,
		Kind:      kind,
		CreatedAt: time.Now(),
		Payload:   data,
	}, nil
}

// NewReply 构造回执消息的 Envelope，CorrelationID 回填请求的消息 ID
func NewReply(req *Envelope, kind string, payload any) (*Envelope, error) {
	env, err := New(req.SagaID, req.BookingID, kind, payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = req.ID
	return env, nil
}

// Marshal 将 Envelope 编码为 wire 字节
func Marshal(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal 解析 wire 字节为 Envelope
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.ID == "" || env.SagaID == "" {
		return nil, fmt.Errorf("envelope missing id or saga_id")
	}
	return &env, nil
}

// Decode 反序列化 Envelope 的负载到目标类型
func Decode[T any](env *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return &payload, nil
}
