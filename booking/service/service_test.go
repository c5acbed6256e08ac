package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ziqiyuan/innflow/booking/client"
	"github.com/ziqiyuan/innflow/booking/orchestrator"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/outbox"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
)

type memStore struct {
	bookings map[string]*model.Booking
	outbox   map[string]map[string]*model.OutboxMessage
}

func newMemStore() *memStore {
	st := &memStore{
		bookings: make(map[string]*model.Booking),
		outbox:   make(map[string]map[string]*model.OutboxMessage),
	}
	for _, table := range model.OutboxTables() {
		st.outbox[table] = make(map[string]*model.OutboxMessage)
	}
	return st
}

func (st *memStore) applyOps(ops []repo.OutboxOp) error {
	for _, op := range ops {
		table := st.outbox[op.Table]
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

type stubBookingRepo struct {
	st *memStore
}

func (f *stubBookingRepo) CreateWithOutbox(_ context.Context, b *model.Booking, ops ...repo.OutboxOp) error {
	cp := *b
	f.st.bookings[b.BookingID] = &cp
	return f.st.applyOps(ops)
}

func (f *stubBookingRepo) GetByID(_ context.Context, bookingID string) (*model.Booking, error) {
	b, ok := f.st.bookings[bookingID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *stubBookingRepo) GetBySagaID(_ context.Context, sagaID string) (*model.Booking, error) {
	for _, b := range f.st.bookings {
		if b.SagaID == sagaID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *stubBookingRepo) UpdateStatus(ctx context.Context, bookingID string, expectFrom []string, to, reason string) error {
	return f.UpdateStatusWithOutbox(ctx, bookingID, expectFrom, to, reason)
}

func (f *stubBookingRepo) UpdateStatusWithOutbox(_ context.Context, bookingID string, expectFrom []string, to, reason string, ops ...repo.OutboxOp) error {
	b, ok := f.st.bookings[bookingID]
	if !ok {
		return repo.ErrNotFound
	}
	matched := len(expectFrom) == 0
	for _, s := range expectFrom {
		if b.Status == s {
			matched = true
		}
	}
	if !matched {
		return repo.ErrStatusConflict
	}
	b.Status = to
	if reason != "" {
		b.FailureReason = reason
	}
	return f.st.applyOps(ops)
}

type stubOutboxRepo struct {
	st    *memStore
	table string
}

func (f *stubOutboxRepo) rows() map[string]*model.OutboxMessage { return f.st.outbox[f.table] }

func (f *stubOutboxRepo) Save(_ context.Context, msg *model.OutboxMessage) error {
	cp := *msg
	f.rows()[msg.ID] = &cp
	return nil
}

func (f *stubOutboxRepo) FindBySagaIDAndSagaStatus(_ context.Context, sagaID string, statuses ...saga.Status) (*model.OutboxMessage, error) {
	for _, row := range f.rows() {
		for _, s := range statuses {
			if row.SagaID == sagaID && row.SagaStatus == string(s) {
				cp := *row
				return &cp, nil
			}
		}
	}
	return nil, repo.ErrNotFound
}

func (f *stubOutboxRepo) FindBySagaIDAndTopic(_ context.Context, sagaID, topic string) (*model.OutboxMessage, error) {
	for _, row := range f.rows() {
		if row.SagaID == sagaID && row.Topic == topic {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *stubOutboxRepo) CountBySagaIDAndSagaStatus(_ context.Context, sagaID string, statuses ...saga.Status) (int64, error) {
	var n int64
	for _, row := range f.rows() {
		for _, s := range statuses {
			if row.SagaID == sagaID && row.SagaStatus == string(s) {
				n++
			}
		}
	}
	return n, nil
}

func (f *stubOutboxRepo) FindByOutboxStatusAndSagaStatus(_ context.Context, outboxStatus string, statuses ...saga.Status) ([]*model.OutboxMessage, error) {
	return nil, nil
}

func (f *stubOutboxRepo) FindPublishable(_ context.Context, olderThan time.Time, limit int) ([]*model.OutboxMessage, error) {
	return nil, nil
}

func (f *stubOutboxRepo) Update(_ context.Context, msg *model.OutboxMessage) error {
	return f.st.applyOps([]repo.OutboxOp{{Table: f.table, Update: msg}})
}

func (f *stubOutboxRepo) UpdateOutboxStatus(_ context.Context, id, outboxStatus string) error {
	row, ok := f.rows()[id]
	if !ok {
		return nil
	}
	row.OutboxStatus = outboxStatus
	return nil
}

func (f *stubOutboxRepo) ResetFailed(_ context.Context, limit int) (int64, error) { return 0, nil }

func (f *stubOutboxRepo) DeleteByOutboxStatusAndSagaStatus(_ context.Context, outboxStatus string, statuses ...saga.Status) (int64, error) {
	return 0, nil
}

type stubRoomLookup struct {
	rooms map[string]*client.Room
}

func (f *stubRoomLookup) GetRoom(_ context.Context, roomID string) (*client.Room, error) {
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, client.ErrRoomNotFound
	}
	return room, nil
}

type seqIDGen struct {
	next int64
}

func (g *seqIDGen) NextID() int64 {
	g.next++
	return g.next
}

type serviceEnv struct {
	st      *memStore
	service *BookingService
	rooms   *stubRoomLookup
}

func newServiceEnv(t *testing.T) *serviceEnv {
	st := newMemStore()
	bookings := &stubBookingRepo{st: st}

	newOutbox := func(table string) *outbox.Helper {
		h, err := outbox.NewHelper(&stubOutboxRepo{st: st, table: table}, table)
		require.NoError(t, err)
		return h
	}
	roomOutbox := newOutbox(model.RoomOutboxTable)
	payOutbox := newOutbox(model.PaymentOutboxTable)
	notifyOutbox := newOutbox(model.NotificationOutboxTable)

	sagaHelper, err := orchestrator.NewHelper(bookings, roomOutbox, payOutbox, notifyOutbox)
	require.NoError(t, err)

	rooms := &stubRoomLookup{rooms: map[string]*client.Room{
		"room-101": {ID: "room-101", Number: "101", RateCents: 30000, Currency: "CNY", Status: model.RoomStatusAvailable},
		"room-201": {ID: "room-201", Number: "201", RateCents: 50000, Status: model.RoomStatusMaintenance},
	}}

	svc, err := NewBookingService(bookings, roomOutbox, sagaHelper, rooms, &seqIDGen{})
	require.NoError(t, err)

	return &serviceEnv{st: st, service: svc, rooms: rooms}
}

func stay(nights int) (time.Time, time.Time) {
	checkIn := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	return checkIn, checkIn.AddDate(0, 0, nights)
}

func TestCreateBooking(t *testing.T) {
	ctx := context.Background()

	t.Run("创建成功并写入预留请求行", func(t *testing.T) {
		env := newServiceEnv(t)
		checkIn, checkOut := stay(3)

		b, err := env.service.CreateBooking(ctx, &CreateBookingRequest{
			GuestID:      "guest-1",
			RoomID:       "room-101",
			CheckInDate:  checkIn,
			CheckOutDate: checkOut,
		})
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusPending, b.Status)
		assert.Equal(t, int64(90000), b.AmountCents)
		// 币种来自 room 服务的房价信息
		assert.Equal(t, "CNY", b.Currency)
		assert.NotEmpty(t, b.SagaID)
		assert.NotZero(t, b.BookingNo)

		stored, ok := env.st.bookings[b.BookingID]
		require.True(t, ok)
		assert.Equal(t, model.BookingStatusPending, stored.Status)

		var reserveRow *model.OutboxMessage
		for _, row := range env.st.outbox[model.RoomOutboxTable] {
			if row.SagaID == b.SagaID {
				reserveRow = row
			}
		}
		require.NotNil(t, reserveRow)
		assert.Equal(t, event.TopicRoomReserveRequest, reserveRow.Topic)
		assert.Equal(t, model.OutboxStatusStarted, reserveRow.OutboxStatus)
		assert.Equal(t, string(saga.StatusStarted), reserveRow.SagaStatus)

		envlp, err := event.Unmarshal(reserveRow.Payload)
		require.NoError(t, err)
		assert.Equal(t, event.KindRoomReserveRequest, envlp.Kind)
		payload, err := event.Decode[event.RoomReserveRequest](envlp)
		require.NoError(t, err)
		assert.Equal(t, "room-101", payload.RoomID)
	})

	t.Run("退房日期不晚于入住日期", func(t *testing.T) {
		env := newServiceEnv(t)
		checkIn, _ := stay(1)

		_, err := env.service.CreateBooking(ctx, &CreateBookingRequest{
			GuestID:      "guest-1",
			RoomID:       "room-101",
			CheckInDate:  checkIn,
			CheckOutDate: checkIn,
		})
		assert.ErrorIs(t, err, ErrInvalidStay)
	})

	t.Run("房间不存在", func(t *testing.T) {
		env := newServiceEnv(t)
		checkIn, checkOut := stay(1)

		_, err := env.service.CreateBooking(ctx, &CreateBookingRequest{
			GuestID:      "guest-1",
			RoomID:       "room-404",
			CheckInDate:  checkIn,
			CheckOutDate: checkOut,
		})
		assert.ErrorIs(t, err, ErrRoomUnavailable)
	})

	t.Run("房间维护中不可预订", func(t *testing.T) {
		env := newServiceEnv(t)
		checkIn, checkOut := stay(1)

		_, err := env.service.CreateBooking(ctx, &CreateBookingRequest{
			GuestID:      "guest-1",
			RoomID:       "room-201",
			CheckInDate:  checkIn,
			CheckOutDate: checkOut,
		})
		assert.ErrorIs(t, err, ErrRoomUnavailable)
	})
}

func createConfirmed(t *testing.T, env *serviceEnv) *model.Booking {
	checkIn, checkOut := stay(2)
	b, err := env.service.CreateBooking(context.Background(), &CreateBookingRequest{
		GuestID:      "guest-1",
		RoomID:       "room-101",
		CheckInDate:  checkIn,
		CheckOutDate: checkOut,
	})
	require.NoError(t, err)
	env.st.bookings[b.BookingID].Status = model.BookingStatusConfirmed
	b.Status = model.BookingStatusConfirmed
	return b
}

func TestCancelBooking(t *testing.T) {
	ctx := context.Background()

	t.Run("取消已确认预订触发补偿", func(t *testing.T) {
		env := newServiceEnv(t)
		b := createConfirmed(t, env)

		require.NoError(t, env.service.CancelBooking(ctx, b.BookingID, "guest changed plans"))

		stored := env.st.bookings[b.BookingID]
		assert.Equal(t, model.BookingStatusCancelling, stored.Status)
		assert.Equal(t, "guest changed plans", stored.FailureReason)

		var refund, release bool
		for _, row := range env.st.outbox[model.PaymentOutboxTable] {
			if row.SagaID == b.SagaID && row.Topic == event.TopicPaymentRefundRequest {
				refund = true
				assert.Equal(t, string(saga.StatusCompensating), row.SagaStatus)
			}
		}
		for _, row := range env.st.outbox[model.RoomOutboxTable] {
			if row.SagaID == b.SagaID && row.Topic == event.TopicRoomReleaseRequest {
				release = true
				assert.Equal(t, string(saga.StatusCompensating), row.SagaStatus)
			}
		}
		assert.True(t, refund)
		assert.True(t, release)
	})

	t.Run("PENDING 预订不可取消", func(t *testing.T) {
		env := newServiceEnv(t)
		checkIn, checkOut := stay(1)
		b, err := env.service.CreateBooking(ctx, &CreateBookingRequest{
			GuestID:      "guest-1",
			RoomID:       "room-101",
			CheckInDate:  checkIn,
			CheckOutDate: checkOut,
		})
		require.NoError(t, err)

		assert.ErrorIs(t, env.service.CancelBooking(ctx, b.BookingID, ""), ErrNotCancellable)
	})

	t.Run("预订不存在", func(t *testing.T) {
		env := newServiceEnv(t)
		err := env.service.CancelBooking(ctx, "missing", "")
		assert.True(t, errors.Is(err, repo.ErrNotFound))
	})
}

func TestCheckInCheckOut(t *testing.T) {
	ctx := context.Background()

	t.Run("入住与退房", func(t *testing.T) {
		env := newServiceEnv(t)
		b := createConfirmed(t, env)

		require.NoError(t, env.service.CheckIn(ctx, b.BookingID))
		assert.Equal(t, model.BookingStatusCheckedIn, env.st.bookings[b.BookingID].Status)

		require.NoError(t, env.service.CheckOut(ctx, b.BookingID))
		assert.Equal(t, model.BookingStatusCheckedOut, env.st.bookings[b.BookingID].Status)
	})

	t.Run("未确认的预订不能入住", func(t *testing.T) {
		env := newServiceEnv(t)
		checkIn, checkOut := stay(1)
		b, err := env.service.CreateBooking(ctx, &CreateBookingRequest{
			GuestID:      "guest-1",
			RoomID:       "room-101",
			CheckInDate:  checkIn,
			CheckOutDate: checkOut,
		})
		require.NoError(t, err)

		assert.ErrorIs(t, env.service.CheckIn(ctx, b.BookingID), repo.ErrStatusConflict)
	})

	t.Run("未入住不能退房", func(t *testing.T) {
		env := newServiceEnv(t)
		b := createConfirmed(t, env)
		assert.ErrorIs(t, env.service.CheckOut(ctx, b.BookingID), repo.ErrStatusConflict)
	})
}
