package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

const (
	OperationCreateRequest          = "create_request"
	OperationRecordProviderResponse = "record_provider_response"
	OperationRequestQuote           = "request_quote"
	OperationUploadQuote            = "upload_quote"
	OperationReserveEquipment       = "reserve_equipment"
	OperationUploadSignedQuote      = "upload_signed_quote_with_inspection"
	OperationUploadContract         = "upload_contract"
	OperationRenewReservation       = "renew_reservation"
	OperationCancelRequest          = "cancel_request"
	OperationGetRequest             = "get_request"
	OperationExpirationSweep        = "expiration_sweep"
)

const tracerName = "github.com/blingmoon/equipment-procurement/workflow"

// ProcurementService 采购流程引擎, 每一个流转一个方法
type ProcurementService interface {
	/**
	 * @description: 创建采购申请, 创建归档目录, 向供应商发送库存询问并归档
	 * @return *ProcurementRequest 状态为 waiting_provider_response
	 */
	CreateRequest(ctx context.Context, params *CreateRequestParams) (*ProcurementRequest, error)
	/**
	 * @description: 记录供应商回复, 没有库存直接终止
	 */
	RecordProviderResponse(ctx context.Context, params *RecordProviderResponseParams) (*ProcurementRequest, error)
	/**
	 * @description: 请求报价单, 可以重复调用, 每次重新发送通知并刷新请求时间, 状态不变
	 */
	RequestQuote(ctx context.Context, params *RequestTargetParams) (*ProcurementRequest, error)
	/**
	 * @description: 上传供应商的报价单
	 */
	UploadQuote(ctx context.Context, params *UploadDocumentParams) (*ProcurementRequest, error)
	/**
	 * @description: 预留设备, 发送预留通知, 预留到期前提醒(失败不影响结果)
	 */
	ReserveEquipment(ctx context.Context, params *RequestTargetParams) (*ProcurementRequest, error)
	/**
	 * @description: 上传签字报价单和验收窗口, 通知供应商到货时间, 合同提醒(失败不影响结果), 创建下游验收申请
	 */
	UploadSignedQuoteWithInspection(ctx context.Context, params *UploadSignedQuoteParams) (*ProcurementRequest, error)
	/**
	 * @description: 上传合同, 流程完成
	 */
	UploadContract(ctx context.Context, params *UploadDocumentParams) (*ProcurementRequest, error)
	/**
	 * @description: 续期预留, 状态不变, 预留截止时间重新计算
	 */
	RenewReservation(ctx context.Context, params *RequestTargetParams) (*ProcurementRequest, error)
	/**
	 * @description: 手动取消, 任何非终止状态都可以取消
	 */
	CancelRequest(ctx context.Context, params *CancelRequestParams) (*ProcurementRequest, error)
	/**
	 * @description: 查询采购申请, 只能查询自己创建的
	 */
	GetRequest(ctx context.Context, params *RequestTargetParams) (*ProcurementRequest, error)
}

type CreateRequestParams struct {
	Actor         *Actor               `validate:"required"`
	ClientID      *int64               // 客户id, 可以为空
	ClientName    string               `validate:"required"`
	ClientEmail   string               `validate:"omitempty,email"`
	ProviderEmail string               `validate:"required,email"`
	Equipment     []*EquipmentLineItem `validate:"required,min=1,dive,required"`
	Notes         string
	RequiresLIS   bool // 是否需要LIS, 带到验收申请里面
}

type RecordProviderResponseParams struct {
	ID      string          `validate:"required"`
	Actor   *Actor          `validate:"required"`
	Outcome ProviderOutcome `validate:"required"`
	Items   []*ProviderItem `validate:"dive,required"`
	Notes   string
}

// RequestTargetParams 只需要定位采购申请的操作
type RequestTargetParams struct {
	ID    string `validate:"required"`
	Actor *Actor `validate:"required"`
}

type UploadDocumentParams struct {
	ID       string    `validate:"required"`
	Actor    *Actor    `validate:"required"`
	Document *Document `validate:"required"`
}

type UploadSignedQuoteParams struct {
	ID                 string    `validate:"required"`
	Actor              *Actor    `validate:"required"`
	Document           *Document `validate:"required"`
	InspectionEarliest string    `validate:"required,datetime=2006-01-02"`
	InspectionLatest   string    `validate:"required,datetime=2006-01-02"`
	IncludesStarterKit bool
}

type CancelRequestParams struct {
	ID     string `validate:"required"`
	Actor  *Actor `validate:"required"`
	Reason string `validate:"required"`
}

// ServiceDeps 引擎依赖, 除了 Observers, Metrics, Policy, Now, ArchiveRootRef 以外都不能为空
type ServiceDeps struct {
	Repo           ProcurementRepo
	Archive        DocumentArchive
	Notifier       Notifier
	Reminders      ReminderScheduler
	Downstream     DownstreamRequestCreator
	Observers      []TransitionObserver
	Metrics        *Metrics
	Policy         *Policy          // 为空使用 DefaultPolicy
	Now            func() time.Time // 为空使用 time.Now
	ArchiveRootRef string           // 归档根目录, 为空表示归档的根
}

type ProcurementServiceImpl struct {
	repo        ProcurementRepo
	archive     DocumentArchive
	notifier    Notifier
	reminders   ReminderScheduler
	downstream  DownstreamRequestCreator
	observers   []TransitionObserver
	metrics     *Metrics
	policy      Policy
	now         func() time.Time
	archiveRoot string
}

func NewProcurementService(deps *ServiceDeps) (*ProcurementServiceImpl, error) {
	if deps == nil {
		return nil, errors.Wrap(ErrValidation, "nil ServiceDeps")
	}
	if deps.Repo == nil || deps.Archive == nil || deps.Notifier == nil || deps.Reminders == nil || deps.Downstream == nil {
		return nil, errors.Wrapf(ErrValidation, "NewProcurementService failed, repo, archive, notifier, reminders and downstream are required")
	}
	policy := DefaultPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	if err := validatorUtil.Struct(policy); err != nil {
		return nil, errors.Wrapf(ErrValidation, "NewProcurementService failed, policy: %+v,err: %v", policy, err)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ProcurementServiceImpl{
		repo:        deps.Repo,
		archive:     deps.Archive,
		notifier:    deps.Notifier,
		reminders:   deps.Reminders,
		downstream:  deps.Downstream,
		observers:   deps.Observers,
		metrics:     deps.Metrics,
		policy:      policy,
		now:         now,
		archiveRoot: deps.ArchiveRootRef,
	}, nil
}

func startSpan(ctx context.Context, operation string, requestID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ProcurementService."+operation,
		trace.WithAttributes(attribute.String("procurement.request_id", requestID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *ProcurementServiceImpl) CreateRequest(ctx context.Context, params *CreateRequestParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "CreateRequest failed, params: %v,err: %v", params, err)
	}
	now := s.now()
	req := &ProcurementRequest{
		ID:            uuid.NewString(),
		CreatedBy:     *params.Actor,
		ClientID:      params.ClientID,
		ClientName:    params.ClientName,
		ClientEmail:   params.ClientEmail,
		ProviderEmail: params.ProviderEmail,
		Equipment:     params.Equipment,
		Notes:         params.Notes,
		RequiresLIS:   params.RequiresLIS,
		Status:        StateWaitingProviderResponse,
		CreatedAt:     now,
	}
	ctx, span := startSpan(ctx, OperationCreateRequest, req.ID)
	defer func() { endSpan(span, err) }()

	var archiveRef string
	noticeEffects, err := s.noticeEffects(noticeAvailability, req, params.Actor, req.Equipment, now, &archiveRef)
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateRequest failed, id: %s", req.ID)
	}
	effects := append([]effect{
		mandatory("ensure_folder", func(ctx context.Context) error {
			folderRef, err := s.ensureRequestFolder(ctx, req)
			req.FolderRef = folderRef
			return err
		}),
	}, noticeEffects...)
	if err := s.runEffects(ctx, OperationCreateRequest, req.ID, effects...); err != nil {
		return nil, err
	}

	po, err := newProcurementRequestPo(req)
	if err != nil {
		return nil, errors.WithMessagef(err, "newProcurementRequestPo failed, id: %s", req.ID)
	}
	po.AvailabilitySentAt = timeToUnix(now)
	po.AvailabilityArchiveRef = archiveRef
	po, err = s.repo.Create(ctx, po)
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateRequest failed, id: %s", req.ID)
	}
	ret, err = assemblyProcurementRequest(po)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, OperationCreateRequest, params.Actor, "", ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) RecordProviderResponse(ctx context.Context, params *RecordProviderResponseParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "RecordProviderResponse failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationRecordProviderResponse, params.ID)
	defer func() { endSpan(span, err) }()

	var next State
	switch params.Outcome {
	case ProviderOutcomeNone:
		next = StateNoStock
	case ProviderOutcomeAvailable, ProviderOutcomePartial:
		next = StateWaitingProforma
	default:
		return nil, errors.Wrapf(ErrValidation, "RecordProviderResponse failed, unknown outcome: %s", params.Outcome)
	}

	current, err := s.load(ctx, OperationRecordProviderResponse, params.ID, params.Actor, StateWaitingProviderResponse)
	if err != nil {
		return nil, err
	}
	now := s.now()
	items := params.Items
	if items == nil {
		items = make([]*ProviderItem, 0)
	}
	ret, err = s.commit(ctx, current, &ProcurementRequestFields{
		Status: String(next),
		ProviderResponse: &ProviderResponse{
			Outcome: params.Outcome,
			Items:   items,
			Notes:   params.Notes,
		},
		ProviderResponseAt: timeToUnix(now),
		UpdatedAt:          timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "RecordProviderResponse failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationRecordProviderResponse, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) RequestQuote(ctx context.Context, params *RequestTargetParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "RequestQuote failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationRequestQuote, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationRequestQuote, params.ID, params.Actor, StateWaitingProforma)
	if err != nil {
		return nil, err
	}
	accepted := current.AcceptedItems()
	if len(accepted) == 0 {
		return nil, errors.Wrapf(ErrValidation, "RequestQuote failed, no accepted equipment, id: %s", params.ID)
	}
	now := s.now()
	var archiveRef string
	effects, err := s.noticeEffects(noticeQuoteRequest, current, params.Actor, accepted, now, &archiveRef)
	if err != nil {
		return nil, errors.WithMessagef(err, "RequestQuote failed, id: %s", params.ID)
	}
	if err := s.runEffects(ctx, OperationRequestQuote, params.ID, effects...); err != nil {
		return nil, err
	}
	ret, err = s.commit(ctx, current, &ProcurementRequestFields{
		Status:                 String(StateWaitingProforma),
		QuoteRequestedAt:       timeToUnix(now),
		QuoteRequestArchiveRef: String(archiveRef),
		IncrQuoteRequestCount:  true,
		UpdatedAt:              timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "RequestQuote failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationRequestQuote, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) UploadQuote(ctx context.Context, params *UploadDocumentParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "UploadQuote failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationUploadQuote, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationUploadQuote, params.ID, params.Actor, StateWaitingProforma)
	if err != nil {
		return nil, err
	}
	var documentRef string
	if err := s.runEffects(ctx, OperationUploadQuote, params.ID,
		s.storeDocumentEffect("store_quote", current, params.Document, &documentRef),
	); err != nil {
		return nil, err
	}
	now := s.now()
	ret, err = s.commit(ctx, current, &ProcurementRequestFields{
		Status:           String(StateProformaReceived),
		QuoteUploadedAt:  timeToUnix(now),
		QuoteDocumentRef: String(documentRef),
		UpdatedAt:        timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "UploadQuote failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationUploadQuote, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) ReserveEquipment(ctx context.Context, params *RequestTargetParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "ReserveEquipment failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationReserveEquipment, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationReserveEquipment, params.ID, params.Actor, StateProformaReceived)
	if err != nil {
		return nil, err
	}
	accepted := current.AcceptedItems()
	if len(accepted) == 0 {
		return nil, errors.Wrapf(ErrValidation, "ReserveEquipment failed, no accepted equipment, id: %s", params.ID)
	}
	now := s.now()
	var archiveRef string
	var reminder *ReminderRef
	effects, err := s.noticeEffects(noticeReservation, current, params.Actor, accepted, now, &archiveRef)
	if err != nil {
		return nil, errors.WithMessagef(err, "ReserveEquipment failed, id: %s", params.ID)
	}
	effects = append(effects, s.reservationReminderEffect(current, params.Actor, now, &reminder))
	if err := s.runEffects(ctx, OperationReserveEquipment, params.ID, effects...); err != nil {
		return nil, err
	}
	ret, err = s.commit(ctx, current, &ProcurementRequestFields{
		Status:                String(StateWaitingSignedForm),
		ReservationSentAt:     timeToUnix(now),
		ReservationArchiveRef: String(archiveRef),
		ReservationReminder:   reminder,
		ReservationDeadline:   timeToUnix(s.policy.ReservationDeadline(now)),
		UpdatedAt:             timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "ReserveEquipment failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationReserveEquipment, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) UploadSignedQuoteWithInspection(ctx context.Context, params *UploadSignedQuoteParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "UploadSignedQuoteWithInspection failed, params: %v,err: %v", params, err)
	}
	// 格式已经校验过, 同一格式的日期可以直接比较字符串
	if params.InspectionEarliest > params.InspectionLatest {
		return nil, errors.Wrapf(ErrValidation, "UploadSignedQuoteWithInspection failed, inspection window %s > %s",
			params.InspectionEarliest, params.InspectionLatest)
	}
	ctx, span := startSpan(ctx, OperationUploadSignedQuote, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationUploadSignedQuote, params.ID, params.Actor, StateWaitingSignedForm)
	if err != nil {
		return nil, err
	}
	now := s.now()
	window := &InspectionWindow{
		Earliest:           params.InspectionEarliest,
		Latest:             params.InspectionLatest,
		IncludesStarterKit: params.IncludesStarterKit,
	}
	var documentRef, archiveRef string
	var reminder *ReminderRef
	noticeEffects, err := s.noticeEffects(noticeArrivalETA, current, params.Actor, current.AcceptedItems(), now, &archiveRef)
	if err != nil {
		return nil, errors.WithMessagef(err, "UploadSignedQuoteWithInspection failed, id: %s", params.ID)
	}
	effects := []effect{s.storeDocumentEffect("store_signed_quote", current, params.Document, &documentRef)}
	effects = append(effects, noticeEffects...)
	effects = append(effects, s.contractReminderEffect(current, params.Actor, now, &reminder))
	if err := s.runEffects(ctx, OperationUploadSignedQuote, params.ID, effects...); err != nil {
		return nil, err
	}

	// 下游验收申请和状态更新在同一个事务里面, 条件更新失败的时候下游申请一起回滚(同库的情况)
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		var inspectionRef string
		if err := s.runEffects(ctx, OperationUploadSignedQuote, params.ID,
			mandatory("create_inspection_request", func(ctx context.Context) error {
				ref, err := s.downstream.Create(ctx, &InspectionPayload{
					ProcurementRequestID: current.ID,
					RequestTypeID:        InspectionRequestTypeID,
					Requester:            *params.Actor,
					Payload:              BuildInspectionPayload(current, window),
				})
				inspectionRef = ref
				return err
			}),
		); err != nil {
			return err
		}
		updated, err := s.commit(ctx, current, &ProcurementRequestFields{
			Status:                   String(StatePendingContract),
			SignedQuoteUploadedAt:    timeToUnix(now),
			SignedQuoteDocumentRef:   String(documentRef),
			ArrivalETASentAt:         timeToUnix(now),
			ArrivalETAArchiveRef:     String(archiveRef),
			InspectionWindow:         window,
			InspectionRecordedAt:     timeToUnix(now),
			InspectionRequestRef:     String(inspectionRef),
			ContractReminder:         reminder,
			ContractReminderDeadline: timeToUnix(s.policy.ContractReminderDate(now)),
			UpdatedAt:                timeToUnix(now),
		})
		if err != nil {
			return err
		}
		ret = updated
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "UploadSignedQuoteWithInspection failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationUploadSignedQuote, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) UploadContract(ctx context.Context, params *UploadDocumentParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "UploadContract failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationUploadContract, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationUploadContract, params.ID, params.Actor, StatePendingContract)
	if err != nil {
		return nil, err
	}
	var documentRef string
	if err := s.runEffects(ctx, OperationUploadContract, params.ID,
		s.storeDocumentEffect("store_contract", current, params.Document, &documentRef),
	); err != nil {
		return nil, err
	}
	now := s.now()
	ret, err = s.commit(ctx, current, &ProcurementRequestFields{
		Status:              String(StateCompleted),
		ContractUploadedAt:  timeToUnix(now),
		ContractDocumentRef: String(documentRef),
		CompletedAt:         timeToUnix(now),
		UpdatedAt:           timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "UploadContract failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationUploadContract, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) RenewReservation(ctx context.Context, params *RequestTargetParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "RenewReservation failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationRenewReservation, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationRenewReservation, params.ID, params.Actor, StateWaitingSignedForm, StatePendingContract)
	if err != nil {
		return nil, err
	}
	now := s.now()
	// 已经过期的预留等待过期扫描取消, 不能续期
	if current.ReservationDeadline == nil || current.ReservationDeadline.Unix() < now.Unix() {
		return nil, &PreconditionError{
			Operation: OperationRenewReservation,
			Expected:  []State{StateWaitingSignedForm, StatePendingContract},
			Actual:    current.Status,
			Reason:    fmt.Sprintf("reservation of %s expired at %v", params.ID, current.ReservationDeadline),
		}
	}
	var reminder *ReminderRef
	if err := s.runEffects(ctx, OperationRenewReservation, params.ID,
		s.reservationReminderEffect(current, params.Actor, now, &reminder),
	); err != nil {
		return nil, err
	}
	where := s.casWhere(current)
	where.ReservationDeadlineAfter = timeToUnix(now)
	ret, err = s.commitWhere(ctx, current, where, &ProcurementRequestFields{
		ReservationDeadline:       timeToUnix(s.policy.ReservationDeadline(now)),
		ReservationRenewedAt:      timeToUnix(now),
		IncrReservationRenewalCnt: true,
		ReservationReminder:       reminder,
		UpdatedAt:                 timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "RenewReservation failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationRenewReservation, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) CancelRequest(ctx context.Context, params *CancelRequestParams) (ret *ProcurementRequest, err error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "CancelRequest failed, params: %v,err: %v", params, err)
	}
	ctx, span := startSpan(ctx, OperationCancelRequest, params.ID)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, OperationCancelRequest, params.ID, params.Actor, nonTerminalStates()...)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ret, err = s.commit(ctx, current, &ProcurementRequestFields{
		Status:             String(StateCancelled),
		CancellationReason: String(params.Reason),
		CancelledAt:        timeToUnix(now),
		UpdatedAt:          timeToUnix(now),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CancelRequest failed, id: %s", params.ID)
	}
	s.afterCommit(ctx, OperationCancelRequest, params.Actor, current.Status, ret, now)
	return ret, nil
}

func (s *ProcurementServiceImpl) GetRequest(ctx context.Context, params *RequestTargetParams) (*ProcurementRequest, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrValidation, "GetRequest failed, params: %v,err: %v", params, err)
	}
	return s.load(ctx, OperationGetRequest, params.ID, params.Actor)
}

// load 重新读取记录, 校验归属和状态, expected 为空的时候不校验状态
func (s *ProcurementServiceImpl) load(ctx context.Context, operation string, id string, actor *Actor, expected ...State) (*ProcurementRequest, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s load failed", operation)
	}
	if po.CreatedByID != actor.ID {
		return nil, &PreconditionError{
			Operation: operation,
			Expected:  expected,
			Actual:    po.Status,
			Reason:    fmt.Sprintf("request %s belongs to another actor", id),
		}
	}
	if len(expected) > 0 && !slices.Contains(expected, po.Status) {
		return nil, newStatePreconditionError(operation, po.Status, expected...)
	}
	return assemblyProcurementRequest(po)
}

// commit 比较并交换: 状态和版本都没有变化才更新
func (s *ProcurementServiceImpl) commit(ctx context.Context, current *ProcurementRequest, fields *ProcurementRequestFields) (*ProcurementRequest, error) {
	return s.commitWhere(ctx, current, s.casWhere(current), fields)
}

func (s *ProcurementServiceImpl) casWhere(current *ProcurementRequest) *ConditionalUpdateWhere {
	return &ConditionalUpdateWhere{
		ID:       current.ID,
		StatusIn: []string{current.Status},
		Version:  Int64(current.Version),
	}
}

func (s *ProcurementServiceImpl) commitWhere(ctx context.Context, current *ProcurementRequest, where *ConditionalUpdateWhere, fields *ProcurementRequestFields) (*ProcurementRequest, error) {
	if fields.Status != nil && *fields.Status != current.Status && !CanTransition(current.Status, *fields.Status) {
		return nil, newStatePreconditionError("commit", current.Status, *fields.Status)
	}
	po, err := s.repo.ConditionalUpdate(ctx, &ConditionalUpdateParams{
		Where:  where,
		Fields: fields,
	})
	if err != nil {
		return nil, err
	}
	return assemblyProcurementRequest(po)
}

func (s *ProcurementServiceImpl) afterCommit(ctx context.Context, operation string, actor *Actor, from State, updated *ProcurementRequest, at time.Time) {
	notifyObservers(ctx, s.observers, &TransitionEvent{
		Operation: operation,
		RequestID: updated.ID,
		From:      from,
		To:        updated.Status,
		Actor:     actor,
		At:        at,
	})
}

// ensureRequestFolder 根目录/Comercial/Solicitudes de Compra de Equipos/<申请目录>
func (s *ProcurementServiceImpl) ensureRequestFolder(ctx context.Context, req *ProcurementRequest) (string, error) {
	parent := s.archiveRoot
	for _, name := range []string{commercialFolderName, purchasesFolderName, requestFolderName(req)} {
		ref, err := s.archive.EnsureFolder(ctx, name, parent)
		if err != nil {
			return "", errors.WithMessagef(err, "EnsureFolder failed, name: %s", name)
		}
		parent = ref
	}
	return parent, nil
}

// noticeEffects 发送通知然后归档一份报告, 两个都是必须成功的
// 邮件在执行副作用之前渲染, 归档的时候才读取 FolderRef
func (s *ProcurementServiceImpl) noticeEffects(n notice, req *ProcurementRequest, actor *Actor, items []*EquipmentLineItem, now time.Time, archiveRef *string) ([]effect, error) {
	msg, err := renderNotice(n, req, actor, items)
	if err != nil {
		return nil, err
	}
	return []effect{
		mandatory("send_"+n.name, func(ctx context.Context) error {
			return s.notifier.Send(ctx, msg)
		}),
		mandatory("archive_"+n.name, func(ctx context.Context) error {
			report, err := renderReport(n, msg, req, actor, now)
			if err != nil {
				return err
			}
			ref, err := s.archive.Store(ctx, req.FolderRef, &Document{
				Name:     archiveDocumentName(n, now),
				Content:  report,
				MimeType: "text/plain; charset=utf-8",
			})
			*archiveRef = ref
			return err
		}),
	}, nil
}

func (s *ProcurementServiceImpl) storeDocumentEffect(name string, req *ProcurementRequest, doc *Document, documentRef *string) effect {
	return mandatory(name, func(ctx context.Context) error {
		stored := *doc
		if stored.MimeType == "" {
			stored.MimeType = "application/pdf"
		}
		ref, err := s.archive.Store(ctx, req.FolderRef, &stored)
		*documentRef = ref
		return err
	})
}

func (s *ProcurementServiceImpl) reservationReminderEffect(req *ProcurementRequest, actor *Actor, now time.Time, ref **ReminderRef) effect {
	return advisory("schedule_reservation_reminder", func(ctx context.Context) error {
		reminder, err := s.reminders.ScheduleAllDay(ctx, &Reminder{
			ProcurementRequestID: req.ID,
			Summary:              "Recordatorio de reserva - " + req.ClientName,
			Description:          fmt.Sprintf("La reserva caduca a los %d días. Confirma cierre o renovación.", int64(s.policy.ReservationWindow/day)),
			Date:                 s.policy.ReservationReminderDate(now),
			Attendees:            []string{actor.Email},
		})
		if err != nil {
			return errors.Wrapf(ErrAdvisorySideEffect, "schedule reservation reminder failed, err: %v", err)
		}
		*ref = reminder
		return nil
	})
}

func (s *ProcurementServiceImpl) contractReminderEffect(req *ProcurementRequest, actor *Actor, now time.Time, ref **ReminderRef) effect {
	return advisory("schedule_contract_reminder", func(ctx context.Context) error {
		reminder, err := s.reminders.ScheduleAllDay(ctx, &Reminder{
			ProcurementRequestID: req.ID,
			Summary:              "Subir contrato firmado - " + req.ClientName,
			Description:          "El contrato debe estar firmado antes de vencer el plazo del proceso de compra.",
			Date:                 s.policy.ContractReminderDate(now),
			Attendees:            []string{actor.Email},
		})
		if err != nil {
			return errors.Wrapf(ErrAdvisorySideEffect, "schedule contract reminder failed, err: %v", err)
		}
		*ref = reminder
		return nil
	})
}

func nonTerminalStates() []State {
	return []State{
		StateWaitingProviderResponse,
		StateWaitingProforma,
		StateProformaReceived,
		StateWaitingSignedForm,
		StatePendingContract,
	}
}

func newProcurementRequestPo(req *ProcurementRequest) (*ProcurementRequestPo, error) {
	equipment, err := json.Marshal(req.Equipment)
	if err != nil {
		return nil, errors.WithMessage(err, "Marshal equipment failed")
	}
	return &ProcurementRequestPo{
		ID:             req.ID,
		CreatedByID:    req.CreatedBy.ID,
		CreatedByEmail: req.CreatedBy.Email,
		CreatedByName:  req.CreatedBy.Name,
		ClientID:       req.ClientID,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		ProviderEmail:  req.ProviderEmail,
		Equipment:      datatypes.JSON(equipment),
		Notes:          req.Notes,
		RequiresLIS:    req.RequiresLIS,
		Status:         req.Status,
		FolderRef:      req.FolderRef,
		CreatedAt:      req.CreatedAt.Unix(),
	}, nil
}

func reminderRef(id, link string) *ReminderRef {
	if id == "" {
		return nil
	}
	return &ReminderRef{ID: id, Link: link}
}

func assemblyProcurementRequest(po *ProcurementRequestPo) (*ProcurementRequest, error) {
	ret := &ProcurementRequest{
		ID: po.ID,
		CreatedBy: Actor{
			ID:    po.CreatedByID,
			Email: po.CreatedByEmail,
			Name:  po.CreatedByName,
		},
		ClientID:      po.ClientID,
		ClientName:    po.ClientName,
		ClientEmail:   po.ClientEmail,
		ProviderEmail: po.ProviderEmail,
		Notes:         po.Notes,
		RequiresLIS:   po.RequiresLIS,
		Status:        po.Status,
		Version:       po.Version,
		FolderRef:     po.FolderRef,

		Availability:       Artifact{At: unixToTime(po.AvailabilitySentAt), Ref: po.AvailabilityArchiveRef},
		ProviderResponseAt: unixToTime(po.ProviderResponseAt),

		QuoteRequest:      Artifact{At: unixToTime(po.QuoteRequestedAt), Ref: po.QuoteRequestArchiveRef},
		QuoteRequestCount: po.QuoteRequestCount,
		QuoteUpload:       Artifact{At: unixToTime(po.QuoteUploadedAt), Ref: po.QuoteDocumentRef},

		Reservation:             Artifact{At: unixToTime(po.ReservationSentAt), Ref: po.ReservationArchiveRef},
		ReservationReminder:     reminderRef(po.ReservationReminderID, po.ReservationReminderLink),
		ReservationDeadline:     unixToTime(po.ReservationDeadline),
		ReservationRenewedAt:    unixToTime(po.ReservationRenewedAt),
		ReservationRenewalCount: po.ReservationRenewalCount,

		SignedQuote:              Artifact{At: unixToTime(po.SignedQuoteUploadedAt), Ref: po.SignedQuoteDocumentRef},
		ArrivalETA:               Artifact{At: unixToTime(po.ArrivalETASentAt), Ref: po.ArrivalETAArchiveRef},
		InspectionRecordedAt:     unixToTime(po.InspectionRecordedAt),
		InspectionRequestRef:     po.InspectionRequestRef,
		ContractReminder:         reminderRef(po.ContractReminderID, po.ContractReminderLink),
		ContractReminderDeadline: unixToTime(po.ContractReminderDeadline),

		Contract:    Artifact{At: unixToTime(po.ContractUploadedAt), Ref: po.ContractDocumentRef},
		CompletedAt: unixToTime(po.CompletedAt),

		CancellationReason: po.CancellationReason,
		CancelledAt:        unixToTime(po.CancelledAt),

		CreatedAt: time.Unix(po.CreatedAt, 0),
		UpdatedAt: time.Unix(po.UpdatedAt, 0),
	}
	if len(po.Equipment) > 0 {
		if err := json.Unmarshal(po.Equipment, &ret.Equipment); err != nil {
			return nil, errors.WithMessagef(err, "Unmarshal equipment failed, id: %s", po.ID)
		}
	}
	if len(po.ProviderResponse) > 0 {
		ret.ProviderResponse = &ProviderResponse{}
		if err := json.Unmarshal(po.ProviderResponse, ret.ProviderResponse); err != nil {
			return nil, errors.WithMessagef(err, "Unmarshal provider response failed, id: %s", po.ID)
		}
	}
	if po.InspectionRecordedAt != nil {
		ret.InspectionWindow = &InspectionWindow{
			Earliest:           po.InspectionEarliest,
			Latest:             po.InspectionLatest,
			IncludesStarterKit: po.IncludesStarterKit,
		}
	}
	return ret, nil
}
