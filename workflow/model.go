package workflow

import (
	"time"
)

// 辅助函数：取地址
func String(s string) *string { return &s }
func Int64(i int64) *int64    { return &i }

// Actor 操作人, 创建人快照
type Actor struct {
	ID    int64  `json:"id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
}

// DisplayName 报告里面展示的操作人
func (a *Actor) DisplayName() string {
	if a == nil {
		return ""
	}
	if a.Name == "" {
		return a.Email
	}
	if a.Email == "" || a.Email == a.Name {
		return a.Name
	}
	return a.Name + " (" + a.Email + ")"
}

// EquipmentCondition 设备成色
type EquipmentCondition = string

const (
	EquipmentConditionNew           EquipmentCondition = "new"
	EquipmentConditionCertifiedUsed EquipmentCondition = "certified_used"
)

func GetEquipmentConditionText(condition EquipmentCondition) string {
	if condition == EquipmentConditionCertifiedUsed {
		return "CU"
	}
	return "Nuevo"
}

// EquipmentLineItem 申请的设备明细, 创建后不可修改
type EquipmentLineItem struct {
	Name      string             `json:"name" validate:"required"`
	Serial    string             `json:"serial,omitempty"`
	Condition EquipmentCondition `json:"condition" validate:"required,oneof=new certified_used"`
}

// ProviderOutcome 供应商回复结果, 封闭的枚举
type ProviderOutcome string

const (
	ProviderOutcomeAvailable ProviderOutcome = "available"
	ProviderOutcomePartial   ProviderOutcome = "partial"
	ProviderOutcomeNone      ProviderOutcome = "none"
)

// ItemAvailability 供应商对单个设备的库存回复
type ItemAvailability = string

const (
	ItemAvailabilityNew           ItemAvailability = "new"
	ItemAvailabilityCertifiedUsed ItemAvailability = "certified_used"
	ItemAvailabilityNone          ItemAvailability = "none"
)

// ItemDecision 申请人对供应商回复的单个设备的决定
type ItemDecision = string

const (
	ItemDecisionAccept ItemDecision = "accept"
	ItemDecisionReject ItemDecision = "reject"
)

type ProviderItem struct {
	Name         string           `json:"name" validate:"required"`
	Serial       string           `json:"serial,omitempty"`
	Availability ItemAvailability `json:"availability" validate:"required,oneof=new certified_used none"`
	Decision     ItemDecision     `json:"decision,omitempty" validate:"omitempty,oneof=accept reject"`
}

type ProviderResponse struct {
	Outcome ProviderOutcome `json:"outcome"`
	Items   []*ProviderItem `json:"items"`
	Notes   string          `json:"notes,omitempty"`
}

// InspectionWindow 现场验收时间窗口, 日期格式 2006-01-02
type InspectionWindow struct {
	Earliest           string `json:"earliest"`
	Latest             string `json:"latest"`
	IncludesStarterKit bool   `json:"includes_starter_kit"`
}

// ReminderRef 日历提醒的引用
type ReminderRef struct {
	ID   string `json:"id"`
	Link string `json:"link,omitempty"`
}

// Artifact 一次流转产生的时间和归档引用, 只追加, 不覆盖
type Artifact struct {
	At  *time.Time
	Ref string
}

// ProcurementRequest 采购申请entity
type ProcurementRequest struct {
	ID            string
	CreatedBy     Actor
	ClientID      *int64
	ClientName    string
	ClientEmail   string
	ProviderEmail string
	Equipment     []*EquipmentLineItem
	Notes         string
	RequiresLIS   bool
	Status        State
	Version       int64
	FolderRef     string

	Availability Artifact

	ProviderResponse   *ProviderResponse
	ProviderResponseAt *time.Time

	QuoteRequest      Artifact // 可重入, 每次请求报价刷新
	QuoteRequestCount int64
	QuoteUpload       Artifact

	Reservation             Artifact
	ReservationReminder     *ReminderRef
	ReservationDeadline     *time.Time
	ReservationRenewedAt    *time.Time
	ReservationRenewalCount int64

	SignedQuote              Artifact
	ArrivalETA               Artifact
	InspectionWindow         *InspectionWindow
	InspectionRecordedAt     *time.Time
	InspectionRequestRef     string
	ContractReminder         *ReminderRef
	ContractReminderDeadline *time.Time

	Contract    Artifact
	CompletedAt *time.Time

	CancellationReason string
	CancelledAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *ProcurementRequest) IsTerminal() bool {
	return IsTerminalState(r.Status)
}

// AcceptedItems 供应商回复里面没有被拒绝并且有库存的设备
// 供应商没有逐项回复的时候, 认为申请的设备全部被接受
func (r *ProcurementRequest) AcceptedItems() []*EquipmentLineItem {
	if r.ProviderResponse == nil {
		return nil
	}
	if len(r.ProviderResponse.Items) == 0 {
		return r.Equipment
	}
	ret := make([]*EquipmentLineItem, 0, len(r.ProviderResponse.Items))
	for _, item := range r.ProviderResponse.Items {
		if item == nil || item.Decision == ItemDecisionReject || item.Availability == ItemAvailabilityNone {
			continue
		}
		ret = append(ret, &EquipmentLineItem{
			Name:      item.Name,
			Serial:    item.Serial,
			Condition: item.Availability,
		})
	}
	return ret
}

func unixToTime(ts *int64) *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Unix(*ts, 0)
	return &t
}

func timeToUnix(t time.Time) *int64 {
	ts := t.Unix()
	return &ts
}
