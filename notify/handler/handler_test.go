package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
)

type fakeNotificationRepo struct {
	saved []*model.Notification
	err   error
}

func (f *fakeNotificationRepo) Save(_ context.Context, n *model.Notification) error {
	if f.err != nil {
		return f.err
	}
	cp := *n
	f.saved = append(f.saved, &cp)
	return nil
}

func (f *fakeNotificationRepo) GetBySagaID(_ context.Context, sagaID string) (*model.Notification, error) {
	for _, n := range f.saved {
		if n.SagaID == sagaID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func sendMessage(t *testing.T) *kafkax.Message {
	t.Helper()
	env, err := event.New("saga-1", "booking-1", event.KindNotificationSend,
		&event.NotificationSendRequest{GuestID: "guest-1", Channel: "email", Content: "booking confirmed"})
	require.NoError(t, err)
	data, err := event.Marshal(env)
	require.NoError(t, err)
	return &kafkax.Message{Topic: event.TopicNotificationSendRequest, Key: []byte(env.SagaID), Value: data}
}

func TestNotifyRoute(t *testing.T) {
	h, err := NewHandler(&fakeNotificationRepo{}, nil)
	require.NoError(t, err)

	route, err := h.Route(sendMessage(t))
	require.NoError(t, err)
	assert.Equal(t, "NOTIFY:SEND:saga-1", route.IdempotencyKey)
	assert.Equal(t, event.TopicNotificationSendResponse, route.ReplyTopic)
	assert.Equal(t, "saga-1", route.ReplyKey)

	_, err = h.Route(&kafkax.Message{Topic: event.TopicNotificationSendRequest, Value: []byte("junk")})
	assert.Error(t, err)
}

func TestNotifyHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("通知落库并回执送达", func(t *testing.T) {
		notifications := &fakeNotificationRepo{}
		h, err := NewHandler(notifications, nil)
		require.NoError(t, err)

		data, err := h.Handle(ctx, sendMessage(t))
		require.NoError(t, err)

		env, err := event.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, event.KindNotificationReply, env.Kind)
		reply, err := event.Decode[event.NotificationSendReply](env)
		require.NoError(t, err)
		assert.Equal(t, event.NotificationSent, reply.Status)

		require.Len(t, notifications.saved, 1)
		n := notifications.saved[0]
		assert.Equal(t, "saga-1", n.SagaID)
		assert.Equal(t, "booking-1", n.BookingID)
		assert.Equal(t, "email", n.Channel)
		assert.Equal(t, model.NotificationStatusSent, n.Status)
	})

	t.Run("存储错误向上抛出重试", func(t *testing.T) {
		h, err := NewHandler(&fakeNotificationRepo{err: errors.New("connection refused")}, nil)
		require.NoError(t, err)

		_, err = h.Handle(ctx, sendMessage(t))
		assert.Error(t, err)
	})
}
