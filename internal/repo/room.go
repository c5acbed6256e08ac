package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/ziqiyuan/innflow/internal/model"
	"gorm.io/gorm"
)

// RoomRepoOption 配置 RoomRepo 的选项
type RoomRepoOption func(*roomRepoOptions)

type roomRepoOptions struct {
	logger clog.Logger
}

// WithRoomRepoLogger 设置日志记录器
func WithRoomRepoLogger(logger clog.Logger) RoomRepoOption {
	return func(o *roomRepoOptions) {
		o.logger = logger
	}
}

type roomRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewRoomRepo 创建房态仓储实例
func NewRoomRepo(database db.DB, opts ...RoomRepoOption) (RoomRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &roomRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	if err := database.DB(context.Background()).AutoMigrate(&model.Room{}, &model.RoomLock{}); err != nil {
		return nil, fmt.Errorf("failed to migrate room tables: %w", err)
	}

	return &roomRepo{
		db:     database,
		logger: logger.WithNamespace("room_repo"),
	}, nil
}

func (r *roomRepo) ListRooms(ctx context.Context) ([]*model.Room, error) {
	var rooms []*model.Room
	err := r.db.DB(ctx).Where("status = ?", model.RoomStatusAvailable).Order("number").Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (r *roomRepo) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}

	var room model.Room
	err := r.db.DB(ctx).Where("room_id = ?", roomID).Take(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &room, nil
}

// Reserve 在单个事务中检查日期重叠并落锁。
// 返回 (false, nil) 表示房间在请求区间内已被占用，属于业务失败而非错误。
func (r *roomRepo) Reserve(ctx context.Context, lock *model.RoomLock) (bool, error) {
	if lock == nil {
		return false, fmt.Errorf("room lock cannot be nil")
	}
	if !lock.ToDate.After(lock.FromDate) {
		return false, fmt.Errorf("to_date must be after from_date")
	}

	reserved := false
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		// 重复投递同一 saga 的预定请求时直接视为成功
		var existing model.RoomLock
		err := tx.Where("saga_id = ? AND status = ?", lock.SagaID, model.RoomLockStatusLocked).Take(&existing).Error
		if err == nil {
			reserved = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing lock: %w", err)
		}

		// 区间重叠判定：existing.from < new.to AND existing.to > new.from
		var count int64
		err = tx.Model(&model.RoomLock{}).
			Where("room_id = ? AND status = ? AND from_date < ? AND to_date > ?",
				lock.RoomID, model.RoomLockStatusLocked, lock.ToDate, lock.FromDate).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if count > 0 {
			return nil
		}

		lock.Status = model.RoomLockStatusLocked
		result := tx.Create(lock)
		if result.Error != nil {
			return fmt.Errorf("create room lock: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoIdentity
		}
		reserved = true
		return nil
	})
	if err != nil {
		r.logger.Error("failed to reserve room",
			clog.String("room_id", lock.RoomID),
			clog.String("saga_id", lock.SagaID),
			clog.Error(err))
		return false, err
	}

	r.logger.Info("room reservation attempted",
		clog.String("room_id", lock.RoomID),
		clog.String("saga_id", lock.SagaID),
		clog.Any("reserved", reserved))
	return reserved, nil
}

// Release 释放某个 saga 持有的房锁，锁不存在或已释放时幂等返回成功
func (r *roomRepo) Release(ctx context.Context, sagaID string) error {
	if sagaID == "" {
		return fmt.Errorf("saga_id cannot be empty")
	}

	result := r.db.DB(ctx).Model(&model.RoomLock{}).
		Where("saga_id = ? AND status = ?", sagaID, model.RoomLockStatusLocked).
		Update("status", model.RoomLockStatusReleased)
	if result.Error != nil {
		return fmt.Errorf("release room lock: %w", result.Error)
	}

	r.logger.Info("room lock released",
		clog.String("saga_id", sagaID),
		clog.Int64("rows", result.RowsAffected))
	return nil
}
