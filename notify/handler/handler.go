// Package handler 处理预订通知请求，落库后回执送达状态
package handler

import (
	"context"
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

// RequestTopics notify 服务订阅的请求 topic
func RequestTopics() []string {
	return []string{event.TopicNotificationSendRequest}
}

// Handler notify 服务的消息处理器
type Handler struct {
	notifications repo.NotificationRepo
	logger        clog.Logger
}

// NewHandler 创建处理器
func NewHandler(notifications repo.NotificationRepo, logger clog.Logger) (*Handler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repo cannot be nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &Handler{
		notifications: notifications,
		logger:        logger.WithNamespace("notify-handler"),
	}, nil
}

// Route 解析请求路由
func (h *Handler) Route(msg *kafkax.Message) (*kafkax.Route, error) {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("malformed request on %s: %w", msg.Topic, err)
	}
	if msg.Topic != event.TopicNotificationSendRequest {
		return nil, fmt.Errorf("request on unexpected topic %s", msg.Topic)
	}
	return &kafkax.Route{
		IdempotencyKey: "NOTIFY:SEND:" + env.SagaID,
		CorrelationID:  env.ID,
		ReplyTopic:     event.TopicNotificationSendResponse,
		ReplyKey:       env.PartitionKey(),
	}, nil
}

// Handle 落通知记录并构造回执
func (h *Handler) Handle(ctx context.Context, msg *kafkax.Message) ([]byte, error) {
	start := time.Now()
	defer func() {
		observability.RecordRequestProcess(ctx, time.Since(start), metrics.L("topic", msg.Topic))
	}()

	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil, err
	}
	req, err := event.Decode[event.NotificationSendRequest](env)
	if err != nil {
		return nil, err
	}

	n := &model.Notification{
		NotificationID: uuid.NewString(),
		SagaID:         env.SagaID,
		BookingID:      env.BookingID,
		GuestID:        req.GuestID,
		Channel:        req.Channel,
		Content:        req.Content,
		Status:         model.NotificationStatusSent,
	}
	if err := h.notifications.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("save notification for saga %s: %w", env.SagaID, err)
	}

	h.logger.Info("notification sent",
		clog.String("saga_id", env.SagaID),
		clog.String("guest_id", req.GuestID),
		clog.String("channel", req.Channel))

	reply, err := event.NewReply(env, event.KindNotificationReply, &event.NotificationSendReply{
		Status: event.NotificationSent,
	})
	if err != nil {
		return nil, err
	}
	return event.Marshal(reply)
}
