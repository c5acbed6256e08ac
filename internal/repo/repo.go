// Package repo 定义各聚合的仓储接口与 gorm 实现。
// 仓储负责把"领域变更 + outbox 行"绑进同一个本地事务，调用方不直接接触 *gorm.DB。
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/saga"
)

var (
	// ErrNotFound 目标记录不存在
	ErrNotFound = errors.New("repo: record not found")
	// ErrNoIdentity 写入未产生标识，说明持久化失败，必须回滚所在事务
	ErrNoIdentity = errors.New("repo: write returned no identity")
	// ErrStatusConflict 期望的前置状态与数据库中的不一致（并发更新或非法迁移）
	ErrStatusConflict = errors.New("repo: status conflict")
	// ErrInsufficientCredit 住客额度不足
	ErrInsufficientCredit = errors.New("repo: insufficient credit")
)

// OutboxOp 在一次事务里对某张 outbox 表执行的操作。
// Insert 与 Update 至少一个非空；两者都给时先插入后更新。
type OutboxOp struct {
	Table  string
	Insert *model.OutboxMessage
	Update *model.OutboxMessage
}

// OutboxRepo 单张 outbox 表的持久化操作
type OutboxRepo interface {
	// Save 插入一条 outbox 行；写入未生效时返回 ErrNoIdentity
	Save(ctx context.Context, msg *model.OutboxMessage) error
	// FindBySagaIDAndSagaStatus 返回 saga 在指定 saga 状态下最新的 outbox 行
	FindBySagaIDAndSagaStatus(ctx context.Context, sagaID string, statuses ...saga.Status) (*model.OutboxMessage, error)
	// FindBySagaIDAndTopic 按 saga 与目标 topic 定位请求行（每跳步恰好一行）
	FindBySagaIDAndTopic(ctx context.Context, sagaID, topic string) (*model.OutboxMessage, error)
	// CountBySagaIDAndSagaStatus 统计 saga 在指定状态下的行数，补偿收敛判定用
	CountBySagaIDAndSagaStatus(ctx context.Context, sagaID string, statuses ...saga.Status) (int64, error)
	// FindByOutboxStatusAndSagaStatus 返回 publisher/重发任务需要处理的批次
	FindByOutboxStatusAndSagaStatus(ctx context.Context, outboxStatus string, statuses ...saga.Status) ([]*model.OutboxMessage, error)
	// FindPublishable 返回创建时间早于 olderThan 且仍为 STARTED 的行。
	// 宽限期让投递回调先于重发轮询更新状态，避免互相竞争。
	FindPublishable(ctx context.Context, olderThan time.Time, limit int) ([]*model.OutboxMessage, error)
	// Update 整行覆盖写（copy-on-write 状态迁移）
	Update(ctx context.Context, msg *model.OutboxMessage) error
	// UpdateOutboxStatus 投递回调专用：只改 outbox_status 并盖 processed_at 时间戳
	UpdateOutboxStatus(ctx context.Context, id, outboxStatus string) error
	// ResetFailed 把 FAILED 行重置回 STARTED 供重发，返回重置条数
	ResetFailed(ctx context.Context, limit int) (int64, error)
	// DeleteByOutboxStatusAndSagaStatus 清理终态行，返回删除条数
	DeleteByOutboxStatusAndSagaStatus(ctx context.Context, outboxStatus string, statuses ...saga.Status) (int64, error)
}

// BookingRepo booking 聚合仓储。带 Outbox 后缀的方法在同一本地事务中
// 完成聚合变更与 outbox 行的写入，二者要么都提交要么都回滚。
type BookingRepo interface {
	CreateWithOutbox(ctx context.Context, booking *model.Booking, ops ...OutboxOp) error
	GetByID(ctx context.Context, bookingID string) (*model.Booking, error)
	GetBySagaID(ctx context.Context, sagaID string) (*model.Booking, error)
	// UpdateStatus 校验当前状态在 expectFrom 内后迁移到 to；否则 ErrStatusConflict
	UpdateStatus(ctx context.Context, bookingID string, expectFrom []string, to, reason string) error
	UpdateStatusWithOutbox(ctx context.Context, bookingID string, expectFrom []string, to, reason string, ops ...OutboxOp) error
}

// RoomRepo room 聚合仓储
type RoomRepo interface {
	ListRooms(ctx context.Context) ([]*model.Room, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	// Reserve 在单事务内校验房间可用、区间无冲突后落锁；冲突时返回 false
	Reserve(ctx context.Context, lock *model.RoomLock) (bool, error)
	// Release 释放 saga 对应的锁；锁不存在或已释放时幂等返回
	Release(ctx context.Context, sagaID string) error
}

// PaymentRepo payment 聚合仓储
type PaymentRepo interface {
	// Charge 扣减住客额度并落账；额度不足时落 FAILED 账并返回 ErrInsufficientCredit
	Charge(ctx context.Context, payment *model.Payment) error
	// Refund 退款；已退款时幂等返回
	Refund(ctx context.Context, paymentID string) (*model.Payment, error)
	GetBySagaID(ctx context.Context, sagaID string) (*model.Payment, error)
}

// NotificationRepo notification 聚合仓储
type NotificationRepo interface {
	Save(ctx context.Context, n *model.Notification) error
	GetBySagaID(ctx context.Context, sagaID string) (*model.Notification, error)
}

// sagaStatusStrings 转换辅助
func sagaStatusStrings(statuses []saga.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
