package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ProcurementRequestPo struct {
	ID             string `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	CreatedByID    int64  `gorm:"column:created_by_id;index" json:"created_by_id"`
	CreatedByEmail string `gorm:"column:created_by_email" json:"created_by_email"`
	CreatedByName  string `gorm:"column:created_by_name" json:"created_by_name"`
	ClientID       *int64 `gorm:"column:client_id" json:"client_id"`
	ClientName     string `gorm:"column:client_name;not null" json:"client_name"`
	ClientEmail    string `gorm:"column:client_email" json:"client_email"`
	ProviderEmail  string `gorm:"column:provider_email" json:"provider_email"`
	// 设备明细 []*EquipmentLineItem
	Equipment   datatypes.JSON `gorm:"column:equipment" json:"equipment"`
	Notes       string         `gorm:"column:notes" json:"notes"`
	RequiresLIS bool           `gorm:"column:requires_lis" json:"requires_lis"`
	Status      State          `gorm:"column:status;index" json:"status"`
	Version     int64          `gorm:"column:version" json:"version"` // 每次更新+1, 条件更新使用
	FolderRef   string         `gorm:"column:folder_ref" json:"folder_ref"`

	AvailabilitySentAt     *int64 `gorm:"column:availability_sent_at" json:"availability_sent_at"`
	AvailabilityArchiveRef string `gorm:"column:availability_archive_ref" json:"availability_archive_ref"`

	ProviderResponse   datatypes.JSON `gorm:"column:provider_response" json:"provider_response"`
	ProviderResponseAt *int64         `gorm:"column:provider_response_at" json:"provider_response_at"`

	QuoteRequestedAt       *int64 `gorm:"column:quote_requested_at" json:"quote_requested_at"`
	QuoteRequestArchiveRef string `gorm:"column:quote_request_archive_ref" json:"quote_request_archive_ref"`
	QuoteRequestCount      int64  `gorm:"column:quote_request_count" json:"quote_request_count"`
	QuoteUploadedAt        *int64 `gorm:"column:quote_uploaded_at" json:"quote_uploaded_at"`
	QuoteDocumentRef       string `gorm:"column:quote_document_ref" json:"quote_document_ref"`

	ReservationSentAt       *int64 `gorm:"column:reservation_sent_at" json:"reservation_sent_at"`
	ReservationArchiveRef   string `gorm:"column:reservation_archive_ref" json:"reservation_archive_ref"`
	ReservationReminderID   string `gorm:"column:reservation_reminder_id" json:"reservation_reminder_id"`
	ReservationReminderLink string `gorm:"column:reservation_reminder_link" json:"reservation_reminder_link"`
	ReservationDeadline     *int64 `gorm:"column:reservation_deadline;index" json:"reservation_deadline"`
	ReservationRenewedAt    *int64 `gorm:"column:reservation_renewed_at" json:"reservation_renewed_at"`
	ReservationRenewalCount int64  `gorm:"column:reservation_renewal_count" json:"reservation_renewal_count"`

	SignedQuoteUploadedAt    *int64 `gorm:"column:signed_quote_uploaded_at" json:"signed_quote_uploaded_at"`
	SignedQuoteDocumentRef   string `gorm:"column:signed_quote_document_ref" json:"signed_quote_document_ref"`
	ArrivalETASentAt         *int64 `gorm:"column:arrival_eta_sent_at" json:"arrival_eta_sent_at"`
	ArrivalETAArchiveRef     string `gorm:"column:arrival_eta_archive_ref" json:"arrival_eta_archive_ref"`
	InspectionEarliest       string `gorm:"column:inspection_earliest" json:"inspection_earliest"`
	InspectionLatest         string `gorm:"column:inspection_latest" json:"inspection_latest"`
	IncludesStarterKit       bool   `gorm:"column:includes_starter_kit" json:"includes_starter_kit"`
	InspectionRecordedAt     *int64 `gorm:"column:inspection_recorded_at" json:"inspection_recorded_at"`
	InspectionRequestRef     string `gorm:"column:inspection_request_ref" json:"inspection_request_ref"`
	ContractReminderID       string `gorm:"column:contract_reminder_id" json:"contract_reminder_id"`
	ContractReminderLink     string `gorm:"column:contract_reminder_link" json:"contract_reminder_link"`
	ContractReminderDeadline *int64 `gorm:"column:contract_reminder_deadline" json:"contract_reminder_deadline"`

	ContractUploadedAt  *int64 `gorm:"column:contract_uploaded_at" json:"contract_uploaded_at"`
	ContractDocumentRef string `gorm:"column:contract_document_ref" json:"contract_document_ref"`
	CompletedAt         *int64 `gorm:"column:completed_at" json:"completed_at"`

	CancellationReason string `gorm:"column:cancellation_reason" json:"cancellation_reason"`
	CancelledAt        *int64 `gorm:"column:cancelled_at" json:"cancelled_at"`

	CreatedAt int64 `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at" json:"updated_at"`
}

func (ProcurementRequestPo) TableName() string {
	return "procurement_request"
}

type ConditionalUpdateParams struct {
	Where  *ConditionalUpdateWhere   `json:"where" validate:"required"`
	Fields *ProcurementRequestFields `json:"fields" validate:"required"`
}

// ConditionalUpdateWhere 至少要有一个状态条件
type ConditionalUpdateWhere struct {
	ID                        string   `json:"id" validate:"required"`
	StatusIn                  []string `json:"status_in"`
	StatusNotIn               []string `json:"status_not_in"`
	Version                   *int64   `json:"version"`
	ReservationDeadlineBefore *int64   `json:"reservation_deadline_before"`
	ReservationDeadlineAfter  *int64   `json:"reservation_deadline_after"` // 预留还没有过期, 续期使用
}

// ProcurementRequestFields 需要更新的字段, nil 表示不更新
type ProcurementRequestFields struct {
	Status *string `json:"status"`

	ProviderResponse   *ProviderResponse `json:"provider_response"`
	ProviderResponseAt *int64            `json:"provider_response_at"`

	QuoteRequestedAt       *int64  `json:"quote_requested_at"`
	QuoteRequestArchiveRef *string `json:"quote_request_archive_ref"`
	IncrQuoteRequestCount  bool    `json:"incr_quote_request_count"`
	QuoteUploadedAt        *int64  `json:"quote_uploaded_at"`
	QuoteDocumentRef       *string `json:"quote_document_ref"`

	ReservationSentAt         *int64       `json:"reservation_sent_at"`
	ReservationArchiveRef     *string      `json:"reservation_archive_ref"`
	ReservationReminder       *ReminderRef `json:"reservation_reminder"`
	ReservationDeadline       *int64       `json:"reservation_deadline"`
	ReservationRenewedAt      *int64       `json:"reservation_renewed_at"`
	IncrReservationRenewalCnt bool         `json:"incr_reservation_renewal_cnt"`

	SignedQuoteUploadedAt    *int64            `json:"signed_quote_uploaded_at"`
	SignedQuoteDocumentRef   *string           `json:"signed_quote_document_ref"`
	ArrivalETASentAt         *int64            `json:"arrival_eta_sent_at"`
	ArrivalETAArchiveRef     *string           `json:"arrival_eta_archive_ref"`
	InspectionWindow         *InspectionWindow `json:"inspection_window"`
	InspectionRecordedAt     *int64            `json:"inspection_recorded_at"`
	InspectionRequestRef     *string           `json:"inspection_request_ref"`
	ContractReminder         *ReminderRef      `json:"contract_reminder"`
	ContractReminderDeadline *int64            `json:"contract_reminder_deadline"`

	ContractUploadedAt  *int64  `json:"contract_uploaded_at"`
	ContractDocumentRef *string `json:"contract_document_ref"`
	CompletedAt         *int64  `json:"completed_at"`

	CancellationReason *string `json:"cancellation_reason"`
	CancelledAt        *int64  `json:"cancelled_at"`

	UpdatedAt *int64 `json:"updated_at"` // 为空使用当前时间
}

type QueryExpiredParams struct {
	Now     int64  `json:"now" validate:"required"`
	AfterID string `json:"after_id"` // 游标, 上一页最后一条记录的id
	Limit   int    `json:"limit" validate:"required,gt=0"`
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// getDBWithContext 同一个ctx里面的多个repo共享事务
func getDBWithContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

type procurementRepo struct {
	db *gorm.DB
}

func NewProcurementRepo(db *gorm.DB) ProcurementRepo {
	return &procurementRepo{
		db: db,
	}
}

func (r *procurementRepo) Create(ctx context.Context, po *ProcurementRequestPo) (*ProcurementRequestPo, error) {
	if po == nil {
		return nil, errors.New("nil ProcurementRequestPo")
	}
	if po.CreatedAt == 0 {
		po.CreatedAt = time.Now().Unix()
	}
	po.UpdatedAt = po.CreatedAt
	po.Version = 1
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessagef(err, "Create ProcurementRequest failed, id: %s", po.ID)
	}
	return po, nil
}

func (r *procurementRepo) Get(ctx context.Context, id string) (*ProcurementRequestPo, error) {
	po := &ProcurementRequestPo{}
	err := r.GetDBWithContext(ctx).Where("id = ?", id).Take(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "id: %s", id)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Get ProcurementRequest failed, id: %s", id)
	}
	return po, nil
}

func buildConditionalUpdateWhere(db *gorm.DB, where *ConditionalUpdateWhere) (*gorm.DB, error) {
	if where == nil {
		return nil, errors.New("where is nil")
	}
	if where.ID == "" {
		return nil, errors.New("conditional update need id")
	}
	if len(where.StatusIn) == 0 && len(where.StatusNotIn) == 0 {
		return nil, errors.Errorf("conditional update need status condition, please check, id: %s", where.ID)
	}
	db = db.Where("id = ?", where.ID)
	if len(where.StatusIn) > 0 {
		db = db.Where("status IN ?", where.StatusIn)
	}
	if len(where.StatusNotIn) > 0 {
		db = db.Where("status NOT IN ?", where.StatusNotIn)
	}
	if where.Version != nil {
		db = db.Where("version = ?", *where.Version)
	}
	if where.ReservationDeadlineBefore != nil {
		db = db.Where("reservation_deadline IS NOT NULL AND reservation_deadline < ?", *where.ReservationDeadlineBefore)
	}
	if where.ReservationDeadlineAfter != nil {
		db = db.Where("reservation_deadline IS NOT NULL AND reservation_deadline >= ?", *where.ReservationDeadlineAfter)
	}
	return db, nil
}

func setReminderRef(updateFields map[string]any, prefix string, ref *ReminderRef) {
	if ref == nil {
		return
	}
	updateFields[prefix+"_id"] = ref.ID
	updateFields[prefix+"_link"] = ref.Link
}

func buildProcurementRequestFields(fields *ProcurementRequestFields) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.ProviderResponse != nil {
		jsonData, err := json.Marshal(fields.ProviderResponse)
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.ProviderResponse failed")
		}
		updateFields["provider_response"] = datatypes.JSON(jsonData)
	}
	if fields.ProviderResponseAt != nil {
		updateFields["provider_response_at"] = *fields.ProviderResponseAt
	}
	if fields.QuoteRequestedAt != nil {
		updateFields["quote_requested_at"] = *fields.QuoteRequestedAt
	}
	if fields.QuoteRequestArchiveRef != nil {
		updateFields["quote_request_archive_ref"] = *fields.QuoteRequestArchiveRef
	}
	if fields.IncrQuoteRequestCount {
		updateFields["quote_request_count"] = gorm.Expr("quote_request_count + 1")
	}
	if fields.QuoteUploadedAt != nil {
		updateFields["quote_uploaded_at"] = *fields.QuoteUploadedAt
	}
	if fields.QuoteDocumentRef != nil {
		updateFields["quote_document_ref"] = *fields.QuoteDocumentRef
	}
	if fields.ReservationSentAt != nil {
		updateFields["reservation_sent_at"] = *fields.ReservationSentAt
	}
	if fields.ReservationArchiveRef != nil {
		updateFields["reservation_archive_ref"] = *fields.ReservationArchiveRef
	}
	setReminderRef(updateFields, "reservation_reminder", fields.ReservationReminder)
	if fields.ReservationDeadline != nil {
		updateFields["reservation_deadline"] = *fields.ReservationDeadline
	}
	if fields.ReservationRenewedAt != nil {
		updateFields["reservation_renewed_at"] = *fields.ReservationRenewedAt
	}
	if fields.IncrReservationRenewalCnt {
		updateFields["reservation_renewal_count"] = gorm.Expr("reservation_renewal_count + 1")
	}
	if fields.SignedQuoteUploadedAt != nil {
		updateFields["signed_quote_uploaded_at"] = *fields.SignedQuoteUploadedAt
	}
	if fields.SignedQuoteDocumentRef != nil {
		updateFields["signed_quote_document_ref"] = *fields.SignedQuoteDocumentRef
	}
	if fields.ArrivalETASentAt != nil {
		updateFields["arrival_eta_sent_at"] = *fields.ArrivalETASentAt
	}
	if fields.ArrivalETAArchiveRef != nil {
		updateFields["arrival_eta_archive_ref"] = *fields.ArrivalETAArchiveRef
	}
	if fields.InspectionWindow != nil {
		updateFields["inspection_earliest"] = fields.InspectionWindow.Earliest
		updateFields["inspection_latest"] = fields.InspectionWindow.Latest
		updateFields["includes_starter_kit"] = fields.InspectionWindow.IncludesStarterKit
	}
	if fields.InspectionRecordedAt != nil {
		updateFields["inspection_recorded_at"] = *fields.InspectionRecordedAt
	}
	if fields.InspectionRequestRef != nil {
		updateFields["inspection_request_ref"] = *fields.InspectionRequestRef
	}
	setReminderRef(updateFields, "contract_reminder", fields.ContractReminder)
	if fields.ContractReminderDeadline != nil {
		updateFields["contract_reminder_deadline"] = *fields.ContractReminderDeadline
	}
	if fields.ContractUploadedAt != nil {
		updateFields["contract_uploaded_at"] = *fields.ContractUploadedAt
	}
	if fields.ContractDocumentRef != nil {
		updateFields["contract_document_ref"] = *fields.ContractDocumentRef
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if fields.CancellationReason != nil {
		updateFields["cancellation_reason"] = *fields.CancellationReason
	}
	if fields.CancelledAt != nil {
		updateFields["cancelled_at"] = *fields.CancelledAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	if fields.UpdatedAt != nil {
		updateFields["updated_at"] = *fields.UpdatedAt
	} else {
		updateFields["updated_at"] = time.Now().Unix()
	}
	updateFields["version"] = gorm.Expr("version + 1")
	return updateFields, nil
}

func (r *procurementRepo) ConditionalUpdate(ctx context.Context, param *ConditionalUpdateParams) (*ProcurementRequestPo, error) {
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.Wrapf(ErrValidation, "ConditionalUpdate failed, params: %v,err: %v", param, err)
	}
	db := r.GetDBWithContext(ctx).Model(&ProcurementRequestPo{})
	db, err := buildConditionalUpdateWhere(db, param.Where)
	if err != nil {
		return nil, errors.WithMessage(err, "buildConditionalUpdateWhere failed")
	}
	updateFields, err := buildProcurementRequestFields(param.Fields)
	if err != nil {
		return nil, errors.WithMessage(err, "buildProcurementRequestFields failed")
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return nil, errors.WithMessagef(result.Error, "ConditionalUpdate failed, id: %s", param.Where.ID)
	}
	if result.RowsAffected == 0 {
		return nil, errors.Wrapf(ErrConflict, "id: %s, status_in: %v, version: %v",
			param.Where.ID, param.Where.StatusIn, param.Where.Version)
	}
	return r.Get(ctx, param.Where.ID)
}

func (r *procurementRepo) QueryExpired(ctx context.Context, param *QueryExpiredParams) ([]*ProcurementRequestPo, error) {
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.Wrapf(ErrValidation, "QueryExpired failed, params: %v,err: %v", param, err)
	}
	db := r.GetDBWithContext(ctx).Model(&ProcurementRequestPo{}).
		Where("status NOT IN ?", terminalStates).
		Where("reservation_deadline IS NOT NULL AND reservation_deadline < ?", param.Now)
	if param.AfterID != "" {
		db = db.Where("id > ?", param.AfterID)
	}
	pos := make([]*ProcurementRequestPo, 0)
	if err := db.Order("id asc").Limit(param.Limit).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryExpired failed")
	}
	return pos, nil
}

func (r *procurementRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	return getDBWithContext(ctx, r.db)
}

// Transaction ctx 里面已经有事务的时候直接复用
func (r *procurementRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}

// AutoMigrate 创建或更新采购流程需要的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProcurementRequestPo{}, &ReminderPo{}, &InspectionRequestPo{})
}
