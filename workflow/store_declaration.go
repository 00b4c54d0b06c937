package workflow

import (
	"context"
)

// ProcurementRepo 采购申请存储, 每一次状态变更都通过 ConditionalUpdate 做比较并交换
type ProcurementRepo interface {
	Create(ctx context.Context, po *ProcurementRequestPo) (*ProcurementRequestPo, error)
	// Get 不存在返回 ErrNotFound
	Get(ctx context.Context, id string) (*ProcurementRequestPo, error)
	// ConditionalUpdate 条件不满足(状态或者版本已经变化)返回 ErrConflict, 成功返回更新后的记录
	ConditionalUpdate(ctx context.Context, param *ConditionalUpdateParams) (*ProcurementRequestPo, error)
	// QueryExpired 预留已过期并且不是终止状态的记录, 按照id升序分页
	QueryExpired(ctx context.Context, param *QueryExpiredParams) ([]*ProcurementRequestPo, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReminderRepo 全天提醒的存储, 同时作为 ReminderScheduler 使用
type ReminderRepo interface {
	ReminderScheduler
	QueryReminder(ctx context.Context, param *QueryReminderParams) ([]*ReminderPo, error)
	UpdateReminder(ctx context.Context, param *UpdateReminderParams) error
	// IsReminderCurrent 所属申请还没有终止, 并且提醒没有被替换
	IsReminderCurrent(ctx context.Context, po *ReminderPo) (bool, error)
}

// InspectionRequestRepo 下游验收申请的存储, 同时作为 DownstreamRequestCreator 使用
type InspectionRequestRepo interface {
	DownstreamRequestCreator
	GetInspectionRequest(ctx context.Context, id string) (*InspectionRequestPo, error)
}
