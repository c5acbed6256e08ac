package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/outbox"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
)

// memDB 三张 outbox 表与 booking 表的内存实现，fake 仓储共享
type memDB struct {
	bookings map[string]*model.Booking
	outbox   map[string]map[string]*model.OutboxMessage
}

func newMemDB() *memDB {
	db := &memDB{
		bookings: make(map[string]*model.Booking),
		outbox:   make(map[string]map[string]*model.OutboxMessage),
	}
	for _, table := range model.OutboxTables() {
		db.outbox[table] = make(map[string]*model.OutboxMessage)
	}
	return db
}

func (db *memDB) applyOps(ops []repo.OutboxOp) error {
	for _, op := range ops {
		table, ok := db.outbox[op.Table]
		if !ok {
			return errors.New("unknown outbox table " + op.Table)
		}
		if op.Update != nil {
			row, ok := table[op.Update.ID]
			if !ok {
				return repo.ErrNotFound
			}
			row.OutboxStatus = op.Update.OutboxStatus
			row.SagaStatus = op.Update.SagaStatus
			row.ProcessedAt = op.Update.ProcessedAt
		}
		if op.Insert != nil {
			cp := *op.Insert
			table[op.Insert.ID] = &cp
		}
	}
	return nil
}

type fakeBookingRepo struct {
	db *memDB
	// failNext 使下一次状态写入整体失败，模拟事务提交错误
	failNext error
}

func (f *fakeBookingRepo) CreateWithOutbox(_ context.Context, b *model.Booking, ops ...repo.OutboxOp) error {
	cp := *b
	f.db.bookings[b.BookingID] = &cp
	return f.db.applyOps(ops)
}

func (f *fakeBookingRepo) GetByID(_ context.Context, bookingID string) (*model.Booking, error) {
	b, ok := f.db.bookings[bookingID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBookingRepo) GetBySagaID(_ context.Context, sagaID string) (*model.Booking, error) {
	for _, b := range f.db.bookings {
		if b.SagaID == sagaID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeBookingRepo) UpdateStatus(ctx context.Context, bookingID string, expectFrom []string, to, reason string) error {
	return f.UpdateStatusWithOutbox(ctx, bookingID, expectFrom, to, reason)
}

func (f *fakeBookingRepo) UpdateStatusWithOutbox(_ context.Context, bookingID string, expectFrom []string, to, reason string, ops ...repo.OutboxOp) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	b, ok := f.db.bookings[bookingID]
	if !ok {
		return repo.ErrStatusConflict
	}
	if len(expectFrom) > 0 {
		matched := false
		for _, s := range expectFrom {
			if b.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return repo.ErrStatusConflict
		}
	}
	b.Status = to
	if reason != "" {
		b.FailureReason = reason
	}
	return f.db.applyOps(ops)
}

type fakeOutboxRepo struct {
	db    *memDB
	table string
}

func (f *fakeOutboxRepo) rows() map[string]*model.OutboxMessage { return f.db.outbox[f.table] }

func (f *fakeOutboxRepo) Save(_ context.Context, msg *model.OutboxMessage) error {
	cp := *msg
	f.rows()[msg.ID] = &cp
	return nil
}

func (f *fakeOutboxRepo) FindBySagaIDAndSagaStatus(_ context.Context, sagaID string, statuses ...saga.Status) (*model.OutboxMessage, error) {
	var latest *model.OutboxMessage
	for _, row := range f.rows() {
		if row.SagaID != sagaID {
			continue
		}
		for _, s := range statuses {
			if row.SagaStatus == string(s) && (latest == nil || row.CreatedAt.After(latest.CreatedAt)) {
				latest = row
			}
		}
	}
	if latest == nil {
		return nil, repo.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeOutboxRepo) FindBySagaIDAndTopic(_ context.Context, sagaID, topic string) (*model.OutboxMessage, error) {
	for _, row := range f.rows() {
		if row.SagaID == sagaID && row.Topic == topic {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeOutboxRepo) CountBySagaIDAndSagaStatus(_ context.Context, sagaID string, statuses ...saga.Status) (int64, error) {
	var n int64
	for _, row := range f.rows() {
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
	for _, row := range f.rows() {
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
	for _, row := range f.rows() {
		if row.OutboxStatus == model.OutboxStatusStarted && row.CreatedAt.Before(olderThan) && len(out) < limit {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) Update(_ context.Context, msg *model.OutboxMessage) error {
	row, ok := f.rows()[msg.ID]
	if !ok {
		return repo.ErrNotFound
	}
	row.OutboxStatus = msg.OutboxStatus
	row.SagaStatus = msg.SagaStatus
	row.ProcessedAt = msg.ProcessedAt
	return nil
}

func (f *fakeOutboxRepo) UpdateOutboxStatus(_ context.Context, id, outboxStatus string) error {
	if row, ok := f.rows()[id]; ok && row.OutboxStatus == model.OutboxStatusStarted {
		now := time.Now()
		row.OutboxStatus = outboxStatus
		row.ProcessedAt = &now
	}
	return nil
}

func (f *fakeOutboxRepo) ResetFailed(_ context.Context, limit int) (int64, error) {
	var n int64
	for _, row := range f.rows() {
		if row.OutboxStatus == model.OutboxStatusFailed && n < int64(limit) {
			row.OutboxStatus = model.OutboxStatusStarted
			n++
		}
	}
	return n, nil
}

func (f *fakeOutboxRepo) DeleteByOutboxStatusAndSagaStatus(_ context.Context, outboxStatus string, statuses ...saga.Status) (int64, error) {
	var n int64
	for id, row := range f.rows() {
		if row.OutboxStatus != outboxStatus {
			continue
		}
		for _, s := range statuses {
			if row.SagaStatus == string(s) {
				delete(f.rows(), id)
				n++
			}
		}
	}
	return n, nil
}

// testSaga 一个组装好的 saga 环境
type testSaga struct {
	db       *memDB
	bookings *fakeBookingRepo
	helper   *Helper
	room     *outbox.Helper
	pay      *outbox.Helper
	notify   *outbox.Helper
	booking  *model.Booking
}

func newTestSaga(t *testing.T) *testSaga {
	t.Helper()

	db := newMemDB()
	bookings := &fakeBookingRepo{db: db}

	room, err := outbox.NewHelper(&fakeOutboxRepo{db: db, table: model.RoomOutboxTable}, model.RoomOutboxTable)
	require.NoError(t, err)
	pay, err := outbox.NewHelper(&fakeOutboxRepo{db: db, table: model.PaymentOutboxTable}, model.PaymentOutboxTable)
	require.NoError(t, err)
	notify, err := outbox.NewHelper(&fakeOutboxRepo{db: db, table: model.NotificationOutboxTable}, model.NotificationOutboxTable)
	require.NoError(t, err)

	helper, err := NewHelper(bookings, room, pay, notify)
	require.NoError(t, err)

	return &testSaga{db: db, bookings: bookings, helper: helper, room: room, pay: pay, notify: notify}
}

// seedBooking 预置 PENDING 预订和房间预留请求行（CreateBooking 的落库结果）
func (ts *testSaga) seedBooking(t *testing.T) {
	t.Helper()

	ts.booking = &model.Booking{
		BookingID:    uuid.NewString(),
		BookingNo:    100001,
		SagaID:       uuid.NewString(),
		GuestID:      "guest-001",
		RoomID:       uuid.NewString(),
		CheckInDate:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		CheckOutDate: time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
		AmountCents:  25800,
		Currency:     "CNY",
		Status:       model.BookingStatusPending,
	}

	env, err := event.New(ts.booking.SagaID, ts.booking.BookingID, event.KindRoomReserveRequest,
		&event.RoomReserveRequest{
			RoomID:       ts.booking.RoomID,
			CheckInDate:  ts.booking.CheckInDate,
			CheckOutDate: ts.booking.CheckOutDate,
		})
	require.NoError(t, err)
	data, err := event.Marshal(env)
	require.NoError(t, err)

	row := ts.room.Build(ts.booking.SagaID, event.SagaType, ts.booking.BookingID,
		event.TopicRoomReserveRequest, data, saga.StatusStarted)
	require.NoError(t, ts.bookings.CreateWithOutbox(context.Background(), ts.booking, ts.room.InsertOp(row)))
}

func (ts *testSaga) bookingStatus(t *testing.T) string {
	t.Helper()
	b, err := ts.bookings.GetByID(context.Background(), ts.booking.BookingID)
	require.NoError(t, err)
	return b.Status
}

func (ts *testSaga) rowStatus(t *testing.T, table, topic string) string {
	t.Helper()
	for _, row := range ts.db.outbox[table] {
		if row.SagaID == ts.booking.SagaID && row.Topic == topic {
			return row.SagaStatus
		}
	}
	t.Fatalf("no outbox row for topic %s in %s", topic, table)
	return ""
}

func (ts *testSaga) reply(t *testing.T, kind string, payload any) *event.Envelope {
	t.Helper()
	env, err := event.New(ts.booking.SagaID, ts.booking.BookingID, kind, payload)
	require.NoError(t, err)
	return env
}

func TestBookingStatusToSagaStatus(t *testing.T) {
	cases := map[string]saga.Status{
		model.BookingStatusPending:      saga.StatusStarted,
		model.BookingStatusRoomReserved: saga.StatusProcessing,
		model.BookingStatusPaid:         saga.StatusProcessing,
		model.BookingStatusConfirmed:    saga.StatusFinished,
		model.BookingStatusCheckedIn:    saga.StatusFinished,
		model.BookingStatusCheckedOut:   saga.StatusFinished,
		model.BookingStatusCancelling:   saga.StatusCompensating,
		model.BookingStatusCancelled:    saga.StatusCompensated,
	}
	for bookingStatus, want := range cases {
		got, err := BookingStatusToSagaStatus(bookingStatus)
		require.NoError(t, err, bookingStatus)
		assert.Equal(t, want, got, bookingStatus)
	}

	t.Run("未知状态返回错误而非默认值", func(t *testing.T) {
		_, err := BookingStatusToSagaStatus("OVERBOOKED")
		require.Error(t, err)
		var unmapped *saga.ErrUnmappedStatus
		assert.ErrorAs(t, err, &unmapped)
	})
}

func TestSaga_HappyPath(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	roomStep := NewRoomStep(ts.helper)
	payStep := NewPaymentStep(ts.helper)
	notifyStep := NewNotifyStep(ts.helper)

	t.Run("房间锁定后进入 ROOM_RESERVED 并发出扣款请求", func(t *testing.T) {
		reply := ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})
		require.NoError(t, roomStep.Process(ctx, reply))

		assert.Equal(t, model.BookingStatusRoomReserved, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusProcessing), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReserveRequest))
		assert.Equal(t, string(saga.StatusProcessing), ts.rowStatus(t, model.PaymentOutboxTable, event.TopicPaymentChargeRequest))
	})

	t.Run("重复的房间回执被丢弃", func(t *testing.T) {
		reply := ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})
		require.NoError(t, roomStep.Process(ctx, reply))
		assert.Equal(t, model.BookingStatusRoomReserved, ts.bookingStatus(t))
	})

	t.Run("扣款成功后进入 PAID 并发出通知请求", func(t *testing.T) {
		reply := ts.reply(t, event.KindPaymentChargeReply, &event.PaymentChargeReply{Status: event.PaymentCompleted})
		require.NoError(t, payStep.Process(ctx, reply))

		assert.Equal(t, model.BookingStatusPaid, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusProcessing), ts.rowStatus(t, model.NotificationOutboxTable, event.TopicNotificationSendRequest))
	})

	t.Run("通知送达后 saga 结束，全部跳步行落 FINISHED", func(t *testing.T) {
		reply := ts.reply(t, event.KindNotificationReply, &event.NotificationSendReply{Status: event.NotificationSent})
		require.NoError(t, notifyStep.Process(ctx, reply))

		assert.Equal(t, model.BookingStatusConfirmed, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusFinished), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReserveRequest))
		assert.Equal(t, string(saga.StatusFinished), ts.rowStatus(t, model.PaymentOutboxTable, event.TopicPaymentChargeRequest))
		assert.Equal(t, string(saga.StatusFinished), ts.rowStatus(t, model.NotificationOutboxTable, event.TopicNotificationSendRequest))
	})

	t.Run("saga 结束后的迟到回执被丢弃", func(t *testing.T) {
		reply := ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})
		require.NoError(t, roomStep.Process(ctx, reply))
		assert.Equal(t, model.BookingStatusConfirmed, ts.bookingStatus(t))
	})
}

func TestSaga_RoomUnavailable(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	reply := ts.reply(t, event.KindRoomReserveReply,
		&event.RoomReserveReply{Status: event.RoomUnavailable, Reason: "dates overlap"})
	require.NoError(t, NewRoomStep(ts.helper).Rollback(ctx, reply))

	// 第一跳失败没有东西需要补偿，直接落终态
	assert.Equal(t, model.BookingStatusCancelled, ts.bookingStatus(t))
	assert.Equal(t, string(saga.StatusCompensated), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReserveRequest))

	b, err := ts.bookings.GetByID(ctx, ts.booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, "dates overlap", b.FailureReason)
}

func TestSaga_PaymentDeclined(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	require.NoError(t, NewRoomStep(ts.helper).Process(ctx,
		ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})))

	t.Run("扣款被拒后发起房间释放补偿", func(t *testing.T) {
		reply := ts.reply(t, event.KindPaymentChargeReply,
			&event.PaymentChargeReply{Status: event.PaymentDeclined, Reason: "insufficient credit"})
		require.NoError(t, NewPaymentStep(ts.helper).Rollback(ctx, reply))

		assert.Equal(t, model.BookingStatusCancelling, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusCompensating), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReleaseRequest))
		// 正向行已结清
		assert.Equal(t, string(saga.StatusCompensated), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReserveRequest))
		assert.Equal(t, string(saga.StatusCompensated), ts.rowStatus(t, model.PaymentOutboxTable, event.TopicPaymentChargeRequest))
	})

	t.Run("释放确认后补偿收敛到 CANCELLED", func(t *testing.T) {
		reply := ts.reply(t, event.KindRoomReleaseReply, &event.RoomReleaseReply{Status: event.RoomReleased})
		require.NoError(t, ts.helper.OnCompensationAck(ctx, ts.room, reply, event.TopicRoomReleaseRequest))

		assert.Equal(t, model.BookingStatusCancelled, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusCompensated), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReleaseRequest))
	})
}

func TestSaga_CompensationAckSurvivesWriteFailure(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	require.NoError(t, NewRoomStep(ts.helper).Process(ctx,
		ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})))
	require.NoError(t, NewPaymentStep(ts.helper).Rollback(ctx,
		ts.reply(t, event.KindPaymentChargeReply,
			&event.PaymentChargeReply{Status: event.PaymentDeclined, Reason: "insufficient credit"})))
	require.Equal(t, model.BookingStatusCancelling, ts.bookingStatus(t))

	ack := ts.reply(t, event.KindRoomReleaseReply, &event.RoomReleaseReply{Status: event.RoomReleased})

	t.Run("写入失败时补偿行与 booking 都保持原状", func(t *testing.T) {
		ts.bookings.failNext = errors.New("driver: bad connection")
		require.Error(t, ts.helper.OnCompensationAck(ctx, ts.room, ack, event.TopicRoomReleaseRequest))

		// 结清与终态迁移在同一事务里，失败后两边都没动，回执可以安全重投
		assert.Equal(t, model.BookingStatusCancelling, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusCompensating), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReleaseRequest))
	})

	t.Run("重投的回执完成收敛", func(t *testing.T) {
		require.NoError(t, ts.helper.OnCompensationAck(ctx, ts.room, ack, event.TopicRoomReleaseRequest))

		assert.Equal(t, model.BookingStatusCancelled, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusCompensated), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReleaseRequest))
	})
}

func TestSaga_SettledAckRepairsCancellingBooking(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	require.NoError(t, NewRoomStep(ts.helper).Process(ctx,
		ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})))
	require.NoError(t, NewPaymentStep(ts.helper).Rollback(ctx,
		ts.reply(t, event.KindPaymentChargeReply,
			&event.PaymentChargeReply{Status: event.PaymentDeclined, Reason: "insufficient credit"})))

	// 旧版本的崩溃残留：补偿行已结清但 booking 没落终态
	row, err := ts.room.FindBySagaIDAndTopic(ctx, ts.booking.SagaID, event.TopicRoomReleaseRequest)
	require.NoError(t, err)
	require.NoError(t, ts.room.Advance(ctx, row, saga.StatusCompensated))
	require.Equal(t, model.BookingStatusCancelling, ts.bookingStatus(t))

	// 已结清行的回执重投不再当迟到丢弃，而是补一次收敛判定
	ack := ts.reply(t, event.KindRoomReleaseReply, &event.RoomReleaseReply{Status: event.RoomReleased})
	require.NoError(t, ts.helper.OnCompensationAck(ctx, ts.room, ack, event.TopicRoomReleaseRequest))
	assert.Equal(t, model.BookingStatusCancelled, ts.bookingStatus(t))
}

func TestSaga_CancelConfirmedBooking(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	// 跑完正向流程
	require.NoError(t, NewRoomStep(ts.helper).Process(ctx,
		ts.reply(t, event.KindRoomReserveReply, &event.RoomReserveReply{Status: event.RoomReserved})))
	require.NoError(t, NewPaymentStep(ts.helper).Process(ctx,
		ts.reply(t, event.KindPaymentChargeReply, &event.PaymentChargeReply{Status: event.PaymentCompleted})))
	require.NoError(t, NewNotifyStep(ts.helper).Process(ctx,
		ts.reply(t, event.KindNotificationReply, &event.NotificationSendReply{Status: event.NotificationSent})))
	require.Equal(t, model.BookingStatusConfirmed, ts.bookingStatus(t))

	t.Run("取消发出退款和释放两条补偿", func(t *testing.T) {
		b, err := ts.bookings.GetByID(ctx, ts.booking.BookingID)
		require.NoError(t, err)
		require.NoError(t, ts.helper.StartCancellation(ctx, b, "guest requested"))

		assert.Equal(t, model.BookingStatusCancelling, ts.bookingStatus(t))
		assert.Equal(t, string(saga.StatusCompensating), ts.rowStatus(t, model.PaymentOutboxTable, event.TopicPaymentRefundRequest))
		assert.Equal(t, string(saga.StatusCompensating), ts.rowStatus(t, model.RoomOutboxTable, event.TopicRoomReleaseRequest))
	})

	t.Run("单条补偿确认后尚未收敛", func(t *testing.T) {
		reply := ts.reply(t, event.KindPaymentRefundReply, &event.PaymentRefundReply{Status: event.PaymentRefunded})
		require.NoError(t, ts.helper.OnCompensationAck(ctx, ts.pay, reply, event.TopicPaymentRefundRequest))

		assert.Equal(t, model.BookingStatusCancelling, ts.bookingStatus(t))
	})

	t.Run("全部补偿确认后收敛到 CANCELLED", func(t *testing.T) {
		reply := ts.reply(t, event.KindRoomReleaseReply, &event.RoomReleaseReply{Status: event.RoomReleased})
		require.NoError(t, ts.helper.OnCompensationAck(ctx, ts.room, reply, event.TopicRoomReleaseRequest))

		assert.Equal(t, model.BookingStatusCancelled, ts.bookingStatus(t))
	})

	t.Run("重复的补偿确认是幂等的", func(t *testing.T) {
		reply := ts.reply(t, event.KindRoomReleaseReply, &event.RoomReleaseReply{Status: event.RoomReleased})
		require.NoError(t, ts.helper.OnCompensationAck(ctx, ts.room, reply, event.TopicRoomReleaseRequest))
		assert.Equal(t, model.BookingStatusCancelled, ts.bookingStatus(t))
	})
}

func TestSaga_UnknownSagaReplyDropped(t *testing.T) {
	ts := newTestSaga(t)
	ts.seedBooking(t)
	ctx := context.Background()

	env, err := event.New(uuid.NewString(), uuid.NewString(), event.KindRoomReserveReply,
		&event.RoomReserveReply{Status: event.RoomReserved})
	require.NoError(t, err)

	require.NoError(t, NewRoomStep(ts.helper).Process(ctx, env))
	assert.Equal(t, model.BookingStatusPending, ts.bookingStatus(t))
}
