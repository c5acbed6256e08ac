// Package handler 处理房间预留与释放请求。
// 预留失败是业务结果而不是处理错误：回执带 ROOM_UNAVAILABLE，不进重试。
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// RequestTopics room 服务订阅的请求 topic
func RequestTopics() []string {
	return []string{
		event.TopicRoomReserveRequest,
		event.TopicRoomReleaseRequest,
	}
}

// Handler room 服务的消息处理器
type Handler struct {
	rooms  repo.RoomRepo
	logger clog.Logger
}

// NewHandler 创建处理器
func NewHandler(rooms repo.RoomRepo, logger clog.Logger) (*Handler, error) {
	if rooms == nil {
		return nil, fmt.Errorf("room repo cannot be nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &Handler{
		rooms:  rooms,
		logger: logger.WithNamespace("room-handler"),
	}, nil
}

// Route 解析请求路由。同一 saga 的同类请求只执行一次，重复投递回放缓存回执。
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
	case event.TopicRoomReserveRequest:
		route.IdempotencyKey = "ROOM:RESERVE:" + env.SagaID
		route.ReplyTopic = event.TopicRoomReserveResponse
	case event.TopicRoomReleaseRequest:
		route.IdempotencyKey = "ROOM:RELEASE:" + env.SagaID
		route.ReplyTopic = event.TopicRoomReleaseResponse
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
	case event.TopicRoomReserveRequest:
		return h.reserve(ctx, env)
	case event.TopicRoomReleaseRequest:
		return h.release(ctx, env)
	default:
		return nil, fmt.Errorf("request on unexpected topic %s", msg.Topic)
	}
}

func (h *Handler) reserve(ctx context.Context, env *event.Envelope) ([]byte, error) {
	req, err := event.Decode[event.RoomReserveRequest](env)
	if err != nil {
		return nil, err
	}

	locked, err := h.rooms.Reserve(ctx, &model.RoomLock{
		RoomID:    req.RoomID,
		BookingID: env.BookingID,
		SagaID:    env.SagaID,
		FromDate:  req.CheckInDate,
		ToDate:    req.CheckOutDate,
		Status:    model.RoomLockStatusLocked,
	})
	if err != nil {
		return nil, fmt.Errorf("reserve room %s: %w", req.RoomID, err)
	}

	reply := &event.RoomReserveReply{Status: event.RoomReserved}
	if !locked {
		reply.Status = event.RoomUnavailable
		reply.Reason = "room unavailable for requested dates"
		h.logger.Info("room reservation rejected",
			clog.String("saga_id", env.SagaID),
			clog.String("room_id", req.RoomID))
	} else {
		h.logger.Info("room reserved",
			clog.String("saga_id", env.SagaID),
			clog.String("room_id", req.RoomID))
	}

	return h.marshalReply(env, event.KindRoomReserveReply, reply)
}

func (h *Handler) release(ctx context.Context, env *event.Envelope) ([]byte, error) {
	if _, err := event.Decode[event.RoomReleaseRequest](env); err != nil {
		return nil, err
	}

	if err := h.rooms.Release(ctx, env.SagaID); err != nil {
		return nil, fmt.Errorf("release lock for saga %s: %w", env.SagaID, err)
	}

	h.logger.Info("room lock released", clog.String("saga_id", env.SagaID))
	return h.marshalReply(env, event.KindRoomReleaseReply, &event.RoomReleaseReply{
		Status: event.RoomReleased,
	})
}

func (h *Handler) marshalReply(req *event.Envelope, kind string, payload any) ([]byte, error) {
	reply, err := event.NewReply(req, kind, payload)
	if err != nil {
		return nil, err
	}
	return event.Marshal(reply)
}
