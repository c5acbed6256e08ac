package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
)

// fakeOutboxRepo 内存假仓储，记录调用供断言
type fakeOutboxRepo struct {
	rows          map[string]*model.OutboxMessage
	statusUpdates []string
	resetCalls    int
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{rows: make(map[string]*model.OutboxMessage)}
}

func (f *fakeOutboxRepo) Save(_ context.Context, msg *model.OutboxMessage) error {
	cp := *msg
	f.rows[msg.ID] = &cp
	return nil
}

func (f *fakeOutboxRepo) FindBySagaIDAndSagaStatus(_ context.Context, sagaID string, statuses ...saga.Status) (*model.OutboxMessage, error) {
	for _, row := range f.rows {
		if row.SagaID != sagaID {
			continue
		}
		for _, s := range statuses {
			if row.SagaStatus == string(s) {
				cp := *row
				return &cp, nil
			}
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeOutboxRepo) FindBySagaIDAndTopic(_ context.Context, sagaID, topic string) (*model.OutboxMessage, error) {
	for _, row := range f.rows {
		if row.SagaID == sagaID && row.Topic == topic {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeOutboxRepo) CountBySagaIDAndSagaStatus(_ context.Context, sagaID string, statuses ...saga.Status) (int64, error) {
	var n int64
	for _, row := range f.rows {
		if row.SagaID != sagaID {
			continue
		}
		for _, s := range statuses {
			if row.SagaStatus == string(s) {
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeOutboxRepo) FindByOutboxStatusAndSagaStatus(_ context.Context, outboxStatus string, statuses ...saga.Status) ([]*model.OutboxMessage, error) {
	var out []*model.OutboxMessage
	for _, row := range f.rows {
		if row.OutboxStatus != outboxStatus {
			continue
		}
		for _, s := range statuses {
			if row.SagaStatus == string(s) {
				cp := *row
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) FindPublishable(_ context.Context, olderThan time.Time, limit int) ([]*model.OutboxMessage, error) {
	var out []*model.OutboxMessage
	for _, row := range f.rows {
		if row.OutboxStatus == model.OutboxStatusStarted && row.CreatedAt.Before(olderThan) {
			cp := *row
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) Update(_ context.Context, msg *model.OutboxMessage) error {
	row, ok := f.rows[msg.ID]
	if !ok {
		return repo.ErrNotFound
	}
	row.OutboxStatus = msg.OutboxStatus
	row.SagaStatus = msg.SagaStatus
	row.ProcessedAt = msg.ProcessedAt
	return nil
}

func (f *fakeOutboxRepo) UpdateOutboxStatus(_ context.Context, id, outboxStatus string) error {
	f.statusUpdates = append(f.statusUpdates, id+":"+outboxStatus)
	if row, ok := f.rows[id]; ok && row.OutboxStatus == model.OutboxStatusStarted {
		now := time.Now()
		row.OutboxStatus = outboxStatus
		row.ProcessedAt = &now
	}
	return nil
}

func (f *fakeOutboxRepo) ResetFailed(_ context.Context, limit int) (int64, error) {
	f.resetCalls++
	var n int64
	for _, row := range f.rows {
		if row.OutboxStatus == model.OutboxStatusFailed && n < int64(limit) {
			row.OutboxStatus = model.OutboxStatusStarted
			n++
		}
	}
	return n, nil
}

func (f *fakeOutboxRepo) DeleteByOutboxStatusAndSagaStatus(_ context.Context, outboxStatus string, statuses ...saga.Status) (int64, error) {
	var n int64
	for id, row := range f.rows {
		if row.OutboxStatus != outboxStatus {
			continue
		}
		for _, s := range statuses {
			if row.SagaStatus == string(s) {
				delete(f.rows, id)
				n++
			}
		}
	}
	return n, nil
}

func TestHelper_Build(t *testing.T) {
	fake := newFakeOutboxRepo()
	h, err := NewHelper(fake, model.RoomOutboxTable)
	require.NoError(t, err)

	msg := h.Build("saga-1", "booking-saga", "booking-1", "innflow.room.reserve.request",
		[]byte(`{}`), saga.StatusStarted)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "saga-1", msg.SagaID)
	assert.Equal(t, model.OutboxStatusStarted, msg.OutboxStatus)
	assert.Equal(t, string(saga.StatusStarted), msg.SagaStatus)
	assert.Nil(t, msg.ProcessedAt)
	assert.Equal(t, model.RoomOutboxTable, h.InsertOp(msg).Table)
}

func TestHelper_Advance(t *testing.T) {
	fake := newFakeOutboxRepo()
	h, err := NewHelper(fake, model.RoomOutboxTable)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("合法迁移打上处理时间", func(t *testing.T) {
		msg := h.Build("saga-1", "booking-saga", "b1", "t", []byte(`{}`), saga.StatusStarted)
		require.NoError(t, h.Save(ctx, msg))

		require.NoError(t, h.Advance(ctx, msg, saga.StatusProcessing))
		assert.Equal(t, string(saga.StatusProcessing), msg.SagaStatus)
		assert.NotNil(t, msg.ProcessedAt)

		stored, err := h.FindBySagaIDAndSagaStatus(ctx, "saga-1", saga.StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, stored.ID)
	})

	t.Run("非法迁移被拒绝", func(t *testing.T) {
		msg := h.Build("saga-2", "booking-saga", "b2", "t", []byte(`{}`), saga.StatusFinished)
		require.NoError(t, h.Save(ctx, msg))

		err := h.Advance(ctx, msg, saga.StatusProcessing)
		assert.Error(t, err)
	})
}

func TestHelper_AdvanceOp(t *testing.T) {
	fake := newFakeOutboxRepo()
	h, err := NewHelper(fake, model.RoomOutboxTable)
	require.NoError(t, err)

	t.Run("合法迁移打包为事务内更新", func(t *testing.T) {
		msg := h.Build("saga-1", "booking-saga", "b1", "t", []byte(`{}`), saga.StatusStarted)

		op, err := h.AdvanceOp(msg, saga.StatusProcessing)
		require.NoError(t, err)
		require.NotNil(t, op.Update)
		assert.Equal(t, model.RoomOutboxTable, op.Table)
		assert.Equal(t, string(saga.StatusProcessing), op.Update.SagaStatus)
		assert.NotNil(t, op.Update.ProcessedAt)
		// 原行不动，由事务提交方落库
		assert.Equal(t, string(saga.StatusStarted), msg.SagaStatus)
	})

	t.Run("同状态迁移只补盖处理时间", func(t *testing.T) {
		msg := h.Build("saga-2", "booking-saga", "b2", "t", []byte(`{}`), saga.StatusProcessing)

		op, err := h.AdvanceOp(msg, saga.StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, string(saga.StatusProcessing), op.Update.SagaStatus)
		assert.NotNil(t, op.Update.ProcessedAt)
	})

	t.Run("非法迁移被拒绝", func(t *testing.T) {
		msg := h.Build("saga-3", "booking-saga", "b3", "t", []byte(`{}`), saga.StatusFinished)

		_, err := h.AdvanceOp(msg, saga.StatusCompensating)
		assert.Error(t, err)
	})
}

func TestHelper_DeliveryAndReset(t *testing.T) {
	fake := newFakeOutboxRepo()
	h, err := NewHelper(fake, model.PaymentOutboxTable)
	require.NoError(t, err)

	ctx := context.Background()

	msg := h.Build("saga-1", "booking-saga", "b1", "t", []byte(`{}`), saga.StatusStarted)
	require.NoError(t, h.Save(ctx, msg))

	t.Run("投递失败标记 FAILED，重发重置回 STARTED", func(t *testing.T) {
		require.NoError(t, h.MarkDelivery(ctx, msg.ID, false))
		assert.Equal(t, model.OutboxStatusFailed, fake.rows[msg.ID].OutboxStatus)

		n, err := h.ResetFailed(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, model.OutboxStatusStarted, fake.rows[msg.ID].OutboxStatus)
	})

	t.Run("投递成功标记 COMPLETED", func(t *testing.T) {
		require.NoError(t, h.MarkDelivery(ctx, msg.ID, true))
		assert.Equal(t, model.OutboxStatusCompleted, fake.rows[msg.ID].OutboxStatus)
	})
}

func TestHelper_Purge(t *testing.T) {
	fake := newFakeOutboxRepo()
	h, err := NewHelper(fake, model.NotificationOutboxTable)
	require.NoError(t, err)

	ctx := context.Background()

	settled := h.Build("saga-1", "booking-saga", "b1", "t", []byte(`{}`), saga.StatusFinished)
	settled.OutboxStatus = model.OutboxStatusCompleted
	require.NoError(t, h.Save(ctx, settled))

	inflight := h.Build("saga-2", "booking-saga", "b2", "t", []byte(`{}`), saga.StatusProcessing)
	inflight.OutboxStatus = model.OutboxStatusCompleted
	require.NoError(t, h.Save(ctx, inflight))

	n, err := h.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 未终态的行保留
	_, err = h.FindBySagaIDAndSagaStatus(ctx, "saga-2", saga.StatusProcessing)
	assert.NoError(t, err)
}
