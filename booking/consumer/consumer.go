// Package consumer 把各服务的回执消息分发给 saga 跳步。
// 同一条回执按 (kind, saga_id) 去重，重复投递只驱动一次状态迁移。
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"github.com/ziqiyuan/innflow/booking/orchestrator"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// ReplyTopics booking 服务订阅的全部回执 topic
func ReplyTopics() []string {
	return []string{
		event.TopicRoomReserveResponse,
		event.TopicRoomReleaseResponse,
		event.TopicPaymentChargeResponse,
		event.TopicPaymentRefundResponse,
		event.TopicNotificationSendResponse,
	}
}

// Dispatcher 回执分发器
type Dispatcher struct {
	saga    *orchestrator.Helper
	room    *orchestrator.RoomStep
	payment *orchestrator.PaymentStep
	notify  *orchestrator.NotifyStep
	logger  clog.Logger
}

// NewDispatcher 创建回执分发器
func NewDispatcher(sagaHelper *orchestrator.Helper, logger clog.Logger) (*Dispatcher, error) {
	if sagaHelper == nil {
		return nil, fmt.Errorf("saga helper cannot be nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &Dispatcher{
		saga:    sagaHelper,
		room:    orchestrator.NewRoomStep(sagaHelper),
		payment: orchestrator.NewPaymentStep(sagaHelper),
		notify:  orchestrator.NewNotifyStep(sagaHelper),
		logger:  logger.WithNamespace("reply-dispatcher"),
	}, nil
}

// Route 解析回执消息的路由。解析失败的消息格式已损坏，进死信不重试。
func (d *Dispatcher) Route(msg *kafkax.Message) (*kafkax.Route, error) {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("malformed reply on %s: %w", msg.Topic, err)
	}
	return &kafkax.Route{
		IdempotencyKey: fmt.Sprintf("BOOKING:REPLY:%s:%s", env.Kind, env.SagaID),
	}, nil
}

// Handle 分发一条回执到对应跳步
func (d *Dispatcher) Handle(ctx context.Context, msg *kafkax.Message) ([]byte, error) {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	err = d.dispatch(ctx, msg.Topic, env)
	observability.RecordReplyProcess(ctx, time.Since(start), metrics.L("topic", msg.Topic))
	return nil, err
}

func (d *Dispatcher) dispatch(ctx context.Context, topic string, env *event.Envelope) error {
	switch topic {
	case event.TopicRoomReserveResponse:
		reply, err := event.Decode[event.RoomReserveReply](env)
		if err != nil {
			return err
		}
		if reply.Status == event.RoomReserved {
			return d.room.Process(ctx, env)
		}
		return d.room.Rollback(ctx, env)

	case event.TopicPaymentChargeResponse:
		reply, err := event.Decode[event.PaymentChargeReply](env)
		if err != nil {
			return err
		}
		if reply.Status == event.PaymentCompleted {
			return d.payment.Process(ctx, env)
		}
		return d.payment.Rollback(ctx, env)

	case event.TopicNotificationSendResponse:
		reply, err := event.Decode[event.NotificationSendReply](env)
		if err != nil {
			return err
		}
		if reply.Status == event.NotificationSent {
			return d.notify.Process(ctx, env)
		}
		return d.notify.Rollback(ctx, env)

	case event.TopicRoomReleaseResponse:
		return d.saga.OnRoomReleased(ctx, env)

	case event.TopicPaymentRefundResponse:
		return d.saga.OnPaymentRefunded(ctx, env)

	default:
		d.logger.Warn("reply on unexpected topic dropped",
			clog.String("topic", topic),
			clog.String("saga_id", env.SagaID))
		return nil
	}
}
