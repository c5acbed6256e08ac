package model

import "time"

// OutboxMessage 本地消息表 (Outbox Pattern) 的一行。
// 与触发它的领域变更在同一个本地事务中写入；投递由后台 publisher 异步完成。
// 按聚合拆为三张物理表（payment/room/notification），结构相同。
type OutboxMessage struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36);not null"`
	SagaID         string     `gorm:"column:saga_id;type:varchar(36);not null;index:idx_saga_status,priority:1"`
	SagaType       string     `gorm:"column:saga_type;type:varchar(64);not null"` // 业务流程名，如 booking-saga
	AggregateRefID string     `gorm:"column:aggregate_ref_id;type:varchar(36);not null;index:idx_aggregate"`
	Topic          string     `gorm:"column:topic;type:varchar(64);not null"` // 该行投递的目标 topic
	Payload        []byte     `gorm:"column:payload;type:blob;not null"`      // 序列化后的 wire envelope
	OutboxStatus   string     `gorm:"column:outbox_status;type:varchar(16);not null;index:idx_outbox_status"`
	SagaStatus     string     `gorm:"column:saga_status;type:varchar(16);not null;index:idx_saga_status,priority:2"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	ProcessedAt    *time.Time `gorm:"column:processed_at"`
}

// OutboxStatus：单行投递生命周期，STARTED -> {COMPLETED|FAILED}，只迁移一次。
const (
	OutboxStatusStarted   = "STARTED"
	OutboxStatusCompleted = "COMPLETED"
	OutboxStatusFailed    = "FAILED"
)

// 三张 outbox 表的表名，repo 通过 Table() 选择
const (
	PaymentOutboxTable      = "t_payment_outbox"
	RoomOutboxTable         = "t_room_outbox"
	NotificationOutboxTable = "t_notification_outbox"
)

// OutboxTables 返回全部 outbox 物理表名，供 bootstrap 迁移
func OutboxTables() []string {
	return []string{PaymentOutboxTable, RoomOutboxTable, NotificationOutboxTable}
}
