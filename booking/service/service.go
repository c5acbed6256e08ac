// Package service 实现预订的业务入口：创建、查询、取消、入住与退房。
// 创建预订在单事务中写入 PENDING 聚合与第一跳的 outbox 行，
// 后续跳步由 orchestrator 消费回执驱动。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/google/uuid"
	"github.com/ziqiyuan/innflow/booking/client"
	"github.com/ziqiyuan/innflow/booking/orchestrator"
	"github.com/ziqiyuan/innflow/internal/event"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/outbox"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/internal/saga"
)

var (
	// ErrInvalidStay 入住区间非法
	ErrInvalidStay = errors.New("check-out date must be after check-in date")
	// ErrRoomUnavailable 房间不存在或不可预订
	ErrRoomUnavailable = errors.New("room is not available for booking")
	// ErrNotCancellable 预订当前状态不允许取消
	ErrNotCancellable = errors.New("booking cannot be cancelled in its current status")
)

// roomLookup 创建预订前的房间校验接口
type roomLookup interface {
	GetRoom(ctx context.Context, roomID string) (*client.Room, error)
}

// bookingNoGenerator 业务单号生成接口，生产环境由 Snowflake 实现
type bookingNoGenerator interface {
	NextID() int64
}

// CreateBookingRequest 创建预订的入参
type CreateBookingRequest struct {
	GuestID      string    `json:"guest_id"`
	RoomID       string    `json:"room_id"`
	CheckInDate  time.Time `json:"check_in_date"`
	CheckOutDate time.Time `json:"check_out_date"`
}

// BookingService 预订业务
type BookingService struct {
	bookings   repo.BookingRepo
	roomOutbox *outbox.Helper
	saga       *orchestrator.Helper
	rooms      roomLookup
	idGen      bookingNoGenerator
	logger     clog.Logger
}

// Option 配置 BookingService 的选项
type Option func(*BookingService)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(s *BookingService) {
		s.logger = logger
	}
}

// NewBookingService 创建预订业务实例
func NewBookingService(bookings repo.BookingRepo, roomOutbox *outbox.Helper, sagaHelper *orchestrator.Helper, rooms roomLookup, idGen bookingNoGenerator, opts ...Option) (*BookingService, error) {
	if bookings == nil {
		return nil, fmt.Errorf("booking repo cannot be nil")
	}
	if roomOutbox == nil {
		return nil, fmt.Errorf("room outbox helper cannot be nil")
	}
	if sagaHelper == nil {
		return nil, fmt.Errorf("saga helper cannot be nil")
	}
	if rooms == nil {
		return nil, fmt.Errorf("room client cannot be nil")
	}
	if idGen == nil {
		return nil, fmt.Errorf("id generator cannot be nil")
	}

	s := &BookingService{
		bookings:   bookings,
		roomOutbox: roomOutbox,
		saga:       sagaHelper,
		rooms:      rooms,
		idGen:      idGen,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = clog.Discard()
	}
	s.logger = s.logger.WithNamespace("booking-service")

	return s, nil
}

// CreateBooking 校验房间后创建 PENDING 预订。
// 预留请求行和聚合insert落在同一事务：事务提交即保证请求必达。
func (s *BookingService) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*model.Booking, error) {
	if req.GuestID == "" || req.RoomID == "" {
		return nil, fmt.Errorf("guest_id and room_id are required")
	}
	if !req.CheckOutDate.After(req.CheckInDate) {
		return nil, ErrInvalidStay
	}

	room, err := s.rooms.GetRoom(ctx, req.RoomID)
	if err != nil {
		if errors.Is(err, client.ErrRoomNotFound) {
			return nil, ErrRoomUnavailable
		}
		return nil, fmt.Errorf("validate room: %w", err)
	}
	if room.Status != model.RoomStatusAvailable {
		return nil, ErrRoomUnavailable
	}

	nights := int64(req.CheckOutDate.Sub(req.CheckInDate).Hours() / 24)
	if nights <= 0 {
		nights = 1
	}

	currency := room.Currency
	if currency == "" {
		currency = "CNY"
	}

	b := &model.Booking{
		BookingID:    uuid.NewString(),
		BookingNo:    s.idGen.NextID(),
		SagaID:       uuid.NewString(),
		GuestID:      req.GuestID,
		RoomID:       req.RoomID,
		CheckInDate:  req.CheckInDate,
		CheckOutDate: req.CheckOutDate,
		AmountCents:  room.RateCents * nights,
		Currency:     currency,
		Status:       model.BookingStatusPending,
	}

	env, err := event.New(b.SagaID, b.BookingID, event.KindRoomReserveRequest, &event.RoomReserveRequest{
		RoomID:       b.RoomID,
		CheckInDate:  b.CheckInDate,
		CheckOutDate: b.CheckOutDate,
	})
	if err != nil {
		return nil, err
	}
	data, err := event.Marshal(env)
	if err != nil {
		return nil, err
	}
	row := s.roomOutbox.Build(b.SagaID, event.SagaType, b.BookingID,
		event.TopicRoomReserveRequest, data, saga.StatusStarted)

	if err := s.bookings.CreateWithOutbox(ctx, b, s.roomOutbox.InsertOp(row)); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.logger.Info("booking created",
		clog.String("booking_id", b.BookingID),
		clog.Int64("booking_no", b.BookingNo),
		clog.String("saga_id", b.SagaID),
		clog.String("room_id", b.RoomID),
		clog.Int64("amount_cents", b.AmountCents))
	return b, nil
}

// GetBooking 查询预订
func (s *BookingService) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, bookingID)
}

// CancelBooking 取消 CONFIRMED 预订，发起退款与房间释放补偿。
// 处于中间状态的预订由 saga 自己决定走向，不接受人工取消。
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, reason string) error {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != model.BookingStatusConfirmed {
		return ErrNotCancellable
	}
	if reason == "" {
		reason = "cancelled by guest"
	}
	return s.saga.StartCancellation(ctx, b, reason)
}

// CheckIn 入住，仅允许 CONFIRMED -> CHECKED_IN
func (s *BookingService) CheckIn(ctx context.Context, bookingID string) error {
	return s.bookings.UpdateStatus(ctx, bookingID,
		[]string{model.BookingStatusConfirmed}, model.BookingStatusCheckedIn, "")
}

// CheckOut 退房，仅允许 CHECKED_IN -> CHECKED_OUT
func (s *BookingService) CheckOut(ctx context.Context, bookingID string) error {
	return s.bookings.UpdateStatus(ctx, bookingID,
		[]string{model.BookingStatusCheckedIn}, model.BookingStatusCheckedOut, "")
}
