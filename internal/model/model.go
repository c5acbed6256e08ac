package model

import "time"

// Booking 状态。状态迁移由 booking 服务校验，非法迁移是领域错误，不重试。
const (
	BookingStatusPending      = "PENDING"       // 已创建，房间预留请求已入 outbox
	BookingStatusRoomReserved = "ROOM_RESERVED" // 房间已锁定，等待扣款
	BookingStatusPaid         = "PAID"          // 扣款成功，等待通知
	BookingStatusConfirmed    = "CONFIRMED"     // 通知送达，预订生效
	BookingStatusCheckedIn    = "CHECKED_IN"
	BookingStatusCheckedOut   = "CHECKED_OUT"
	BookingStatusCancelling   = "CANCELLING" // 补偿进行中
	BookingStatusCancelled    = "CANCELLED"  // 终态，所有补偿已确认
)

// Room 状态
const (
	RoomStatusAvailable   = "AVAILABLE"
	RoomStatusMaintenance = "MAINTENANCE"
)

// RoomLock 状态
const (
	RoomLockStatusLocked   = "LOCKED"
	RoomLockStatusReleased = "RELEASED"
)

// Payment 状态
const (
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

// CreditEntry 类型
const (
	CreditEntryDebit  = "DEBIT"
	CreditEntryCredit = "CREDIT"
)

// Notification 状态
const (
	NotificationStatusSent   = "SENT"
	NotificationStatusFailed = "FAILED"
)

// Booking 对应 t_booking 表，booking 服务的聚合根。
// SagaID 关联该预订对应的 saga 实例的全部 outbox 行与回执消息。
type Booking struct {
	BookingID     string    `gorm:"primaryKey;column:booking_id;type:varchar(36);not null"`
	BookingNo     int64     `gorm:"column:booking_no;type:bigint;not null;uniqueIndex:uniq_booking_no"` // Snowflake 业务单号
	SagaID        string    `gorm:"column:saga_id;type:varchar(36);not null;uniqueIndex:uniq_saga_id"`
	GuestID       string    `gorm:"column:guest_id;type:varchar(64);not null;index:idx_guest"`
	RoomID        string    `gorm:"column:room_id;type:varchar(36);not null;index:idx_room"`
	CheckInDate   time.Time `gorm:"column:check_in_date;not null"`
	CheckOutDate  time.Time `gorm:"column:check_out_date;not null"`
	AmountCents   int64     `gorm:"column:amount_cents;type:bigint;not null"`
	Currency      string    `gorm:"column:currency;type:varchar(8);not null"`
	Status        string    `gorm:"column:status;type:varchar(16);not null;index:idx_status"`
	FailureReason string    `gorm:"column:failure_reason;type:varchar(255)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Room 对应 t_room 表，room 服务维护的房间目录。
type Room struct {
	RoomID    string `gorm:"primaryKey;column:room_id;type:varchar(36);not null"`
	Number    string `gorm:"column:number;type:varchar(16);not null;uniqueIndex:uniq_room_number"`
	Type      string `gorm:"column:type;type:varchar(32);not null"`
	RateCents int64  `gorm:"column:rate_cents;type:bigint;not null"` // 每晚价格，最小货币单位
	Currency  string `gorm:"column:currency;type:varchar(8);not null"`
	Status    string `gorm:"column:status;type:varchar(16);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomLock 对应 t_room_lock 表。一次预留在 [CheckIn, CheckOut) 区间内锁定房间。
type RoomLock struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement"`
	RoomID    string    `gorm:"column:room_id;type:varchar(36);not null;index:idx_room_window,priority:1"`
	BookingID string    `gorm:"column:booking_id;type:varchar(36);not null;uniqueIndex:uniq_booking"`
	SagaID    string    `gorm:"column:saga_id;type:varchar(36);not null;index:idx_saga"`
	FromDate  time.Time `gorm:"column:from_date;not null;index:idx_room_window,priority:2"`
	ToDate    time.Time `gorm:"column:to_date;not null"`
	Status    string    `gorm:"column:status;type:varchar(16);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment 对应 t_payment 表，payment 服务的聚合根。
type Payment struct {
	PaymentID     string `gorm:"primaryKey;column:payment_id;type:varchar(36);not null"`
	SagaID        string `gorm:"column:saga_id;type:varchar(36);not null;index:idx_saga"`
	BookingID     string `gorm:"column:booking_id;type:varchar(36);not null;index:idx_booking"`
	GuestID       string `gorm:"column:guest_id;type:varchar(64);not null"`
	AmountCents   int64  `gorm:"column:amount_cents;type:bigint;not null"`
	Currency      string `gorm:"column:currency;type:varchar(8);not null"`
	Status        string `gorm:"column:status;type:varchar(16);not null"`
	FailureReason string `gorm:"column:failure_reason;type:varchar(255)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GuestCredit 对应 t_guest_credit 表，住客的可用额度。
type GuestCredit struct {
	GuestID      string `gorm:"primaryKey;column:guest_id;type:varchar(64);not null"`
	BalanceCents int64  `gorm:"column:balance_cents;type:bigint;not null"`
	Currency     string `gorm:"column:currency;type:varchar(8);not null"`
	UpdatedAt    time.Time
}

// CreditEntry 对应 t_credit_entry 表，每次扣款/退款一条流水。
type CreditEntry struct {
	ID          int64  `gorm:"primaryKey;column:id;autoIncrement"`
	GuestID     string `gorm:"column:guest_id;type:varchar(64);not null;index:idx_guest"`
	PaymentID   string `gorm:"column:payment_id;type:varchar(36);not null;index:idx_payment"`
	Type        string `gorm:"column:type;type:varchar(8);not null"`
	AmountCents int64  `gorm:"column:amount_cents;type:bigint;not null"`
	CreatedAt   time.Time
}

// Notification 对应 t_notification 表。
type Notification struct {
	NotificationID string `gorm:"primaryKey;column:notification_id;type:varchar(36);not null"`
	SagaID         string `gorm:"column:saga_id;type:varchar(36);not null;index:idx_saga"`
	BookingID      string `gorm:"column:booking_id;type:varchar(36);not null"`
	GuestID        string `gorm:"column:guest_id;type:varchar(64);not null"`
	Channel        string `gorm:"column:channel;type:varchar(16);not null"`
	Content        string `gorm:"column:content;type:text"`
	Status         string `gorm:"column:status;type:varchar(16);not null"`
	CreatedAt      time.Time
}

// TableName overrides the default table name
func (Booking) TableName() string      { return "t_booking" }
func (Room) TableName() string         { return "t_room" }
func (RoomLock) TableName() string     { return "t_room_lock" }
func (Payment) TableName() string      { return "t_payment" }
func (GuestCredit) TableName() string  { return "t_guest_credit" }
func (CreditEntry) TableName() string  { return "t_credit_entry" }
func (Notification) TableName() string { return "t_notification" }

// AllModels 返回需要 AutoMigrate 的全部领域模型（outbox 表另见 OutboxTables）
func AllModels() []any {
	return []any{
		&Booking{},
		&Room{},
		&RoomLock{},
		&Payment{},
		&GuestCredit{},
		&CreditEntry{},
		&Notification{},
	}
}
