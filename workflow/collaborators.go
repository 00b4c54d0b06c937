package workflow

import (
	"context"
	"time"
)

// Document 需要归档的文档
type Document struct {
	Name     string `json:"name" validate:"required"`
	Content  []byte `json:"-" validate:"required,min=1"`
	MimeType string `json:"mime_type"` // 为空按照 application/pdf 处理
}

// DocumentArchive 文档归档, 外部实现(对象存储, 网盘)
type DocumentArchive interface {
	/**
	 * @description: 确保目录存在, 已经存在直接返回引用
	 * @param name 目录名称
	 * @param parentRef 父目录引用, 为空表示根目录
	 * @return string 目录引用
	 */
	EnsureFolder(ctx context.Context, name string, parentRef string) (string, error)
	/**
	 * @description: 存储文档, 返回稳定的文档引用
	 */
	Store(ctx context.Context, folderRef string, doc *Document) (string, error)
}

// Message 发给供应商的通知
type Message struct {
	From     string
	To       []string
	Cc       []string
	ReplyTo  string
	Subject  string
	HTMLBody string
}

// Notifier 通知发送, 只保证传输层确认
type Notifier interface {
	Send(ctx context.Context, msg *Message) error
}

// Reminder 全天提醒
type Reminder struct {
	ProcurementRequestID string // 所属采购申请, 为空表示独立提醒
	Summary              string
	Description          string
	Date                 time.Time
	Attendees            []string
}

// ReminderScheduler 日历提醒, 失败不影响流转
type ReminderScheduler interface {
	ScheduleAllDay(ctx context.Context, reminder *Reminder) (*ReminderRef, error)
}

// InspectionPayload 下游验收申请
type InspectionPayload struct {
	ProcurementRequestID string
	RequestTypeID        string
	Requester            Actor
	Payload              *Payload
}

// DownstreamRequestCreator 创建下游验收申请, 只在上传签字报价单的时候调用一次
type DownstreamRequestCreator interface {
	Create(ctx context.Context, payload *InspectionPayload) (string, error)
}

// TransitionEvent 提交成功之后的事件
type TransitionEvent struct {
	Operation string
	RequestID string
	From      State
	To        State
	Actor     *Actor // 过期扫描为空
	At        time.Time
}

// TransitionObserver 只在提交成功之后调用, 不参与流转的失败处理
type TransitionObserver interface {
	OnTransition(ctx context.Context, event *TransitionEvent)
}
