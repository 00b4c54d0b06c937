package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InspectionRequestPo 下游验收申请, 和采购申请在同一个库的时候可以和状态变更放在同一个事务
type InspectionRequestPo struct {
	ID                   string         `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	ProcurementRequestID string         `gorm:"column:procurement_request_id;index" json:"procurement_request_id"`
	RequestTypeID        string         `gorm:"column:request_type_id" json:"request_type_id"`
	RequesterID          int64          `gorm:"column:requester_id" json:"requester_id"`
	RequesterEmail       string         `gorm:"column:requester_email" json:"requester_email"`
	Payload              datatypes.JSON `gorm:"column:payload" json:"payload"`
	CreatedAt            int64          `gorm:"column:created_at" json:"created_at"`
}

func (InspectionRequestPo) TableName() string {
	return "inspection_request"
}

type inspectionRequestRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewInspectionRequestRepo(db *gorm.DB) InspectionRequestRepo {
	return &inspectionRequestRepo{
		db:  db,
		now: time.Now,
	}
}

// Create ctx 里面有事务的时候使用同一个事务
func (r *inspectionRequestRepo) Create(ctx context.Context, payload *InspectionPayload) (string, error) {
	if payload == nil || payload.Payload == nil {
		return "", errors.Wrap(ErrValidation, "nil InspectionPayload")
	}
	if payload.ProcurementRequestID == "" {
		return "", errors.Wrap(ErrValidation, "InspectionPayload without procurement request id")
	}
	b, err := payload.Payload.ToBytes()
	if err != nil {
		return "", errors.WithMessage(err, "Payload.ToBytes failed")
	}
	po := &InspectionRequestPo{
		ID:                   uuid.NewString(),
		ProcurementRequestID: payload.ProcurementRequestID,
		RequestTypeID:        payload.RequestTypeID,
		RequesterID:          payload.Requester.ID,
		RequesterEmail:       payload.Requester.Email,
		Payload:              datatypes.JSON(b),
		CreatedAt:            r.now().Unix(),
	}
	if err := getDBWithContext(ctx, r.db).Create(po).Error; err != nil {
		return "", errors.WithMessage(err, "Create inspection request failed")
	}
	return po.ID, nil
}

func (r *inspectionRequestRepo) GetInspectionRequest(ctx context.Context, id string) (*InspectionRequestPo, error) {
	po := &InspectionRequestPo{}
	err := getDBWithContext(ctx, r.db).Where("id = ?", id).Take(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "inspection request id: %s", id)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "GetInspectionRequest failed")
	}
	return po, nil
}
