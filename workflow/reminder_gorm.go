package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ReminderStatusPending = "pending"
	ReminderStatusSent    = "sent"
	// 所属申请已经终止, 或者提醒被续期替换, 不再发送
	ReminderStatusRetired = "retired"
)

type ReminderPo struct {
	ID                   string         `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	ProcurementRequestID string         `gorm:"column:procurement_request_id;index" json:"procurement_request_id"`
	Summary              string         `gorm:"column:summary" json:"summary"`
	Description          string         `gorm:"column:description" json:"description"`
	RemindOn             string         `gorm:"column:remind_on;index" json:"remind_on"` // 2006-01-02, 全天提醒
	Attendees            datatypes.JSON `gorm:"column:attendees" json:"attendees"`      // []string
	Status               string         `gorm:"column:status;index" json:"status"`
	SentAt               *int64         `gorm:"column:sent_at" json:"sent_at"`
	CreatedAt            int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (ReminderPo) TableName() string {
	return "procurement_reminder"
}

type QueryReminderParams struct {
	StatusIn       []string `json:"status_in"`
	RemindOnBefore *string  `json:"remind_on_before"` // remind_on <= RemindOnBefore
	IDGreaterThan  *string  `json:"id_greater_than"`
	Limit          int      `json:"limit" validate:"required,gt=0"`
}

type UpdateReminderParams struct {
	Where  *UpdateReminderWhere `json:"where" validate:"required"`
	Fields *UpdateReminderField `json:"fields" validate:"required"`
}

type UpdateReminderWhere struct {
	IDIn     []string `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateReminderField struct {
	Status *string `json:"status"`
	SentAt *int64  `json:"sent_at"`
}

type reminderRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewReminderRepo(db *gorm.DB) ReminderRepo {
	return &reminderRepo{
		db:  db,
		now: time.Now,
	}
}

// ScheduleAllDay 保存一个待发送的提醒, 到期之后由 ReminderDispatcher 发送
func (r *reminderRepo) ScheduleAllDay(ctx context.Context, reminder *Reminder) (*ReminderRef, error) {
	if reminder == nil {
		return nil, errors.New("nil Reminder")
	}
	if len(reminder.Attendees) == 0 {
		return nil, errors.Wrap(ErrValidation, "reminder without attendees")
	}
	attendees, err := json.Marshal(reminder.Attendees)
	if err != nil {
		return nil, errors.WithMessage(err, "Marshal attendees failed")
	}
	now := r.now().Unix()
	po := &ReminderPo{
		ID:                   uuid.NewString(),
		ProcurementRequestID: reminder.ProcurementRequestID,
		Summary:              reminder.Summary,
		Description:          reminder.Description,
		RemindOn:             reminder.Date.Format(time.DateOnly),
		Attendees:            datatypes.JSON(attendees),
		Status:               ReminderStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := getDBWithContext(ctx, r.db).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "ScheduleAllDay failed")
	}
	return &ReminderRef{ID: po.ID}, nil
}

func (r *reminderRepo) QueryReminder(ctx context.Context, param *QueryReminderParams) ([]*ReminderPo, error) {
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.Wrapf(ErrValidation, "QueryReminder failed, params: %v,err: %v", param, err)
	}
	db := getDBWithContext(ctx, r.db).Model(&ReminderPo{})
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.RemindOnBefore != nil {
		db = db.Where("remind_on <= ?", *param.RemindOnBefore)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	pos := make([]*ReminderPo, 0)
	if err := db.Order("id asc").Limit(param.Limit).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryReminder failed")
	}
	return pos, nil
}

func (r *reminderRepo) UpdateReminder(ctx context.Context, param *UpdateReminderParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrValidation, "UpdateReminder failed, params: %v,err: %v", param, err)
	}
	if len(param.Where.IDIn) == 0 {
		return errors.New("update reminder need id condition")
	}
	db := getDBWithContext(ctx, r.db).Model(&ReminderPo{}).Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) != 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	updateFields := make(map[string]any)
	if param.Fields.Status != nil {
		updateFields["status"] = *param.Fields.Status
	}
	if param.Fields.SentAt != nil {
		updateFields["sent_at"] = *param.Fields.SentAt
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = r.now().Unix()
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateReminder failed")
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrConflict, "reminder ids: %v", param.Where.IDIn)
	}
	return nil
}

// IsReminderCurrent 提醒在提交之前写入, 提交失败或者续期之后申请上记录的是其他提醒
func (r *reminderRepo) IsReminderCurrent(ctx context.Context, po *ReminderPo) (bool, error) {
	if po == nil {
		return false, errors.New("nil ReminderPo")
	}
	if po.ProcurementRequestID == "" {
		return true, nil
	}
	var count int64
	err := getDBWithContext(ctx, r.db).Model(&ProcurementRequestPo{}).
		Where("id = ?", po.ProcurementRequestID).
		Where("status NOT IN ?", terminalStates).
		Where("(reservation_reminder_id = ? OR contract_reminder_id = ?)", po.ID, po.ID).
		Count(&count).Error
	if err != nil {
		return false, errors.WithMessagef(err, "IsReminderCurrent failed, id: %s", po.ID)
	}
	return count > 0, nil
}

const (
	defaultDispatchInterval  = time.Hour
	defaultDispatchBatchSize = 100
	defaultDispatchLockKey   = "procurement_reminder_dispatch"
	defaultDispatchLockTTL   = 30 * time.Minute
)

type DispatchConfig struct {
	Interval  time.Duration
	BatchSize int
	LockKey   string
	LockTTL   time.Duration
	From      string // 发件人, 为空由 Notifier 决定
}

func (c DispatchConfig) normalized() DispatchConfig {
	if c.Interval <= 0 {
		c.Interval = defaultDispatchInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultDispatchBatchSize
	}
	if c.LockKey == "" {
		c.LockKey = defaultDispatchLockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultDispatchLockTTL
	}
	return c
}

// ReminderDispatcher 把到期的提醒通过 Notifier 发给参与人, 发送成功之后标记为已发送
type ReminderDispatcher struct {
	repo     ReminderRepo
	notifier Notifier
	lock     JobLock
	now      func() time.Time
	metrics  *Metrics
	cfg      DispatchConfig
}

func NewReminderDispatcher(repo ReminderRepo, notifier Notifier, lock JobLock, metrics *Metrics, cfg DispatchConfig) *ReminderDispatcher {
	if lock == nil {
		lock = NewLocalJobLock()
	}
	return &ReminderDispatcher{
		repo:     repo,
		notifier: notifier,
		lock:     lock,
		now:      time.Now,
		metrics:  metrics,
		cfg:      cfg.normalized(),
	}
}

// DispatchDue 发送 remind_on <= 今天 的待发送提醒, 单条失败不影响其他提醒, 下一轮重试
// 已经失效的提醒标记为 retired, 不计入 sent 和 failed
func (d *ReminderDispatcher) DispatchDue(ctx context.Context) (sent int, failed int, err error) {
	today := d.now().Format(time.DateOnly)
	retired := 0
	var afterID *string
	for {
		pos, err := d.repo.QueryReminder(ctx, &QueryReminderParams{
			StatusIn:       []string{ReminderStatusPending},
			RemindOnBefore: String(today),
			IDGreaterThan:  afterID,
			Limit:          d.cfg.BatchSize,
		})
		if err != nil {
			return sent, failed, errors.WithMessage(err, "QueryReminder failed")
		}
		for _, po := range pos {
			afterID = String(po.ID)
			result, err := d.process(ctx, po)
			if err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("[warn]dispatch reminder failed, id: %s, err: %v", po.ID, err))
			}
			switch result {
			case ReminderStatusSent:
				sent++
			case ReminderStatusRetired:
				retired++
			default:
				failed++
			}
			d.metrics.reminderProcessed(result)
		}
		if len(pos) < d.cfg.BatchSize {
			break
		}
	}
	if sent > 0 || failed > 0 || retired > 0 {
		slog.InfoContext(ctx, fmt.Sprintf("reminder dispatch finished, sent: %d, failed: %d, retired: %d", sent, failed, retired))
	}
	return sent, failed, nil
}

func (d *ReminderDispatcher) dispatch(ctx context.Context, po *ReminderPo) error {
	attendees := make([]string, 0)
	if len(po.Attendees) > 0 {
		if err := json.Unmarshal(po.Attendees, &attendees); err != nil {
			return errors.WithMessage(err, "Unmarshal attendees failed")
		}
	}
	if len(attendees) == 0 {
		return errors.New("reminder without attendees")
	}
	err := d.notifier.Send(ctx, &Message{
		From:    d.cfg.From,
		To:      attendees,
		Subject: po.Summary,
		HTMLBody: fmt.Sprintf("<p>%s</p><p>Fecha: %s</p>",
			html.EscapeString(po.Description), html.EscapeString(po.RemindOn)),
	})
	if err != nil {
		return errors.WithMessage(err, "Send reminder failed")
	}
	return d.repo.UpdateReminder(ctx, &UpdateReminderParams{
		Where: &UpdateReminderWhere{
			IDIn:     []string{po.ID},
			StatusIn: []string{ReminderStatusPending},
		},
		Fields: &UpdateReminderField{
			Status: String(ReminderStatusSent),
			SentAt: Int64(d.now().Unix()),
		},
	})
}

// process 返回处理结果: sent, retired 或者 failed
func (d *ReminderDispatcher) process(ctx context.Context, po *ReminderPo) (string, error) {
	current, err := d.repo.IsReminderCurrent(ctx, po)
	if err != nil {
		return "failed", err
	}
	if !current {
		if err := d.retire(ctx, po); err != nil {
			return "failed", err
		}
		return ReminderStatusRetired, nil
	}
	if err := d.dispatch(ctx, po); err != nil {
		return "failed", err
	}
	return ReminderStatusSent, nil
}

func (d *ReminderDispatcher) retire(ctx context.Context, po *ReminderPo) error {
	return d.repo.UpdateReminder(ctx, &UpdateReminderParams{
		Where: &UpdateReminderWhere{
			IDIn:     []string{po.ID},
			StatusIn: []string{ReminderStatusPending},
		},
		Fields: &UpdateReminderField{Status: String(ReminderStatusRetired)},
	})
}

// Run 每隔 Interval 发送一次到期提醒, ctx 取消之后返回
func (d *ReminderDispatcher) Run(ctx context.Context) {
	loop := &jobLoop{
		name:     "reminder dispatch",
		interval: d.cfg.Interval,
		lock:     d.lock,
		lockKey:  d.cfg.LockKey,
		lockTTL:  d.cfg.LockTTL,
		run: func(ctx context.Context) error {
			_, _, err := d.DispatchDue(ctx)
			return err
		},
	}
	loop.Run(ctx)
}
