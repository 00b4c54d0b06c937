package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultSweepInterval  = 24 * time.Hour
	defaultSweepBatchSize = 100
	defaultSweepLockTTL   = time.Hour
	defaultSweepLockKey   = "procurement_expiration_sweep"
)

// SweepConfig 过期扫描配置, 零值使用默认值
type SweepConfig struct {
	Interval  time.Duration // 扫描间隔, 默认每天一次
	BatchSize int           // 每页数量
	LockKey   string
	LockTTL   time.Duration
}

func (c SweepConfig) normalized() SweepConfig {
	if c.Interval <= 0 {
		c.Interval = defaultSweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultSweepBatchSize
	}
	if c.LockKey == "" {
		c.LockKey = defaultSweepLockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultSweepLockTTL
	}
	return c
}

type SweepDeps struct {
	Repo      ProcurementRepo
	Lock      JobLock // 为空使用本地锁
	Policy    *Policy
	Now       func() time.Time
	Observers []TransitionObserver
	Metrics   *Metrics
	Config    SweepConfig
}

// SweepResult 一次扫描的结果
type SweepResult struct {
	Matched   int
	Cancelled int
	Skipped   int // 写入时条件不满足, 记录已经被其他操作修改
	Failed    int
}

// ExpirationSweeper 预留过期扫描, 不经过流程引擎, 直接通过存储的条件更新取消
type ExpirationSweeper struct {
	repo      ProcurementRepo
	lock      JobLock
	policy    Policy
	now       func() time.Time
	observers []TransitionObserver
	metrics   *Metrics
	cfg       SweepConfig
}

func NewExpirationSweeper(deps *SweepDeps) (*ExpirationSweeper, error) {
	if deps == nil || deps.Repo == nil {
		return nil, errors.Wrap(ErrValidation, "NewExpirationSweeper failed, repo is required")
	}
	policy := DefaultPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	if err := validatorUtil.Struct(policy); err != nil {
		return nil, errors.Wrapf(ErrValidation, "NewExpirationSweeper failed, policy: %+v,err: %v", policy, err)
	}
	lock := deps.Lock
	if lock == nil {
		lock = NewLocalJobLock()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ExpirationSweeper{
		repo:      deps.Repo,
		lock:      lock,
		policy:    policy,
		now:       now,
		observers: deps.Observers,
		metrics:   deps.Metrics,
		cfg:       deps.Config.normalized(),
	}, nil
}

// RunOnce 扫描一次, 单条记录失败不影响其他记录, 只有查询失败才返回错误
// 已经取消的记录不会再被查到, 重复执行没有副作用
func (s *ExpirationSweeper) RunOnce(ctx context.Context) (result *SweepResult, err error) {
	ctx, span := startSpan(ctx, OperationExpirationSweep, "")
	defer func() {
		if result != nil {
			span.SetAttributes(
				attribute.Int("sweep.matched", result.Matched),
				attribute.Int("sweep.cancelled", result.Cancelled),
				attribute.Int("sweep.skipped", result.Skipped),
				attribute.Int("sweep.failed", result.Failed),
			)
		}
		endSpan(span, err)
	}()

	now := s.now()
	result = &SweepResult{}
	afterID := ""
	for {
		pos, err := s.repo.QueryExpired(ctx, &QueryExpiredParams{
			Now:     now.Unix(),
			AfterID: afterID,
			Limit:   s.cfg.BatchSize,
		})
		if err != nil {
			return result, errors.WithMessagef(err, "QueryExpired failed, afterID: %s", afterID)
		}
		for _, po := range pos {
			result.Matched++
			s.cancelExpired(ctx, po, now, result)
			afterID = po.ID
		}
		if len(pos) < s.cfg.BatchSize {
			break
		}
	}
	s.metrics.sweepResult("cancelled", result.Cancelled)
	s.metrics.sweepResult("skipped", result.Skipped)
	s.metrics.sweepResult("failed", result.Failed)
	slog.InfoContext(ctx, fmt.Sprintf("expiration sweep finished, matched: %d, cancelled: %d, skipped: %d, failed: %d",
		result.Matched, result.Cancelled, result.Skipped, result.Failed))
	return result, nil
}

func (s *ExpirationSweeper) cancelExpired(ctx context.Context, po *ProcurementRequestPo, now time.Time, result *SweepResult) {
	updated, err := s.repo.ConditionalUpdate(ctx, &ConditionalUpdateParams{
		Where: &ConditionalUpdateWhere{
			ID:                        po.ID,
			StatusNotIn:               terminalStates,
			ReservationDeadlineBefore: Int64(now.Unix()),
		},
		Fields: &ProcurementRequestFields{
			Status:             String(StateCancelled),
			CancellationReason: String(s.policy.ExpirationReason()),
			CancelledAt:        timeToUnix(now),
			UpdatedAt:          timeToUnix(now),
		},
	})
	if errors.Is(err, ErrConflict) {
		result.Skipped++
		slog.InfoContext(ctx, fmt.Sprintf("expiration sweep skipped, id: %s, changed since read", po.ID))
		return
	}
	if err != nil {
		result.Failed++
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, fmt.Sprintf("[error]expiration sweep cancel failed, id: %s, err: %v", po.ID, err))
		} else {
			slog.WarnContext(ctx, fmt.Sprintf("[warn]expiration sweep cancel failed, id: %s, err: %v", po.ID, err))
		}
		return
	}
	result.Cancelled++
	notifyObservers(ctx, s.observers, &TransitionEvent{
		Operation: OperationExpirationSweep,
		RequestID: updated.ID,
		From:      po.Status,
		To:        updated.Status,
		At:        now,
	})
}

// Run 每隔 Interval 扫描一次, 启动的时候先扫描一次, ctx 取消之后返回
// 多个副本通过 JobLock 保证同一时间只有一个在扫描, 拿不到锁跳过这一轮
func (s *ExpirationSweeper) Run(ctx context.Context) {
	loop := &jobLoop{
		name:     "expiration sweep",
		interval: s.cfg.Interval,
		lock:     s.lock,
		lockKey:  s.cfg.LockKey,
		lockTTL:  s.cfg.LockTTL,
		run: func(ctx context.Context) error {
			_, err := s.RunOnce(ctx)
			return err
		},
	}
	loop.Run(ctx)
}
