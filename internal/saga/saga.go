// Package saga 定义 saga 实例的状态机与步骤接口。
// 状态沿 STARTED -> PROCESSING -> FINISHED 单向推进；
// 一旦进入 COMPENSATING 分支则不可逆，只能收敛到 COMPENSATED。
package saga

import (
	"context"
	"fmt"
)

// Status saga 实例的生命周期状态
type Status string

const (
	StatusStarted      Status = "STARTED"      // 聚合已创建，首个 outbox 行已写入
	StatusProcessing   Status = "PROCESSING"   // 至少一个下游步骤已确认
	StatusFinished     Status = "FINISHED"     // 成功终态
	StatusCompensating Status = "COMPENSATING" // 观察到下游失败，回滚步骤按完成的逆序执行中
	StatusCompensated  Status = "COMPENSATED"  // 全部回滚已确认，安全终态
)

// Terminal 返回该状态是否为终态。终态的 outbox 行不再接受回执。
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCompensated
}

// rank 定义正向推进的偏序；补偿分支单独校验
var rank = map[Status]int{
	StatusStarted:    0,
	StatusProcessing: 1,
	StatusFinished:   2,
}

// CanTransition 校验状态迁移是否合法。
// 正向只允许单调推进；STARTED/PROCESSING 可进入 COMPENSATING，
// COMPENSATING 只能到 COMPENSATED，终态不允许任何迁移。
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusCompensating:
		return from == StatusStarted || from == StatusProcessing
	case StatusCompensated:
		return from == StatusCompensating ||
			// 首跳失败时没有已完成步骤可回滚，允许直接收敛
			from == StatusStarted ||
			// 补偿开始时正向行直接结清，其撤销由专门的补偿行跟踪
			from == StatusProcessing
	}
	fromRank, ok := rank[from]
	if !ok {
		return false
	}
	toRank, ok := rank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Step 一次跨服务跳步。Process 消费下游成功回执并推进聚合；
// Rollback 消费失败/取消回执并发起或确认补偿。
// R 是该跳步的回执消息类型。
type Step[R any] interface {
	Process(ctx context.Context, reply R) error
	Rollback(ctx context.Context, reply R) error
}

// ErrUnmappedStatus 聚合状态没有对应的 saga 状态。
// 映射必须穷尽：静默回退到 STARTED 会重置 saga 账目（见 NewUnmappedStatusError 的调用方）。
type ErrUnmappedStatus struct {
	AggregateStatus string
}

func (e *ErrUnmappedStatus) Error() string {
	return fmt.Sprintf("saga: no saga status mapped for aggregate status %q", e.AggregateStatus)
}

// NewUnmappedStatusError 构造未映射状态错误
func NewUnmappedStatusError(aggregateStatus string) error {
	return &ErrUnmappedStatus{AggregateStatus: aggregateStatus}
}
