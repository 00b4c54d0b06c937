package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpirationSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("取消过期的预留", func(t *testing.T) {
		env := newTestEnv(t)
		expired := env.advance(t, StateWaitingSignedForm)
		contract := env.advance(t, StatePendingContract)
		fresh := env.create(t)

		env.clock.Advance(60*day + time.Second)
		recorder := &recordingObserver{}
		sweeper, err := NewExpirationSweeper(&SweepDeps{
			Repo:      env.repo,
			Now:       env.clock.Now,
			Observers: []TransitionObserver{recorder, env.metrics},
			Metrics:   env.metrics,
			Config:    SweepConfig{BatchSize: 1},
		})
		require.NoError(t, err)

		messages := len(env.notifier.sent())
		result, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Matched)
		assert.Equal(t, 2, result.Cancelled)
		assert.Equal(t, 0, result.Skipped)
		assert.Equal(t, 0, result.Failed)

		for _, id := range []string{expired.ID, contract.ID} {
			got, err := env.service.GetRequest(ctx, &RequestTargetParams{ID: id, Actor: testActor})
			require.NoError(t, err)
			assert.Equal(t, StateCancelled, got.Status)
			assert.Equal(t, "automatic expiration (60-day reservation window)", got.CancellationReason)
			require.NotNil(t, got.CancelledAt)
			assert.True(t, got.CancelledAt.Equal(env.clock.Now()))
		}
		got, err := env.service.GetRequest(ctx, &RequestTargetParams{ID: fresh.ID, Actor: testActor})
		require.NoError(t, err)
		assert.Equal(t, StateWaitingProviderResponse, got.Status)

		// 不发送通知
		assert.Len(t, env.notifier.sent(), messages)
		require.Len(t, recorder.events, 2)
		assert.Equal(t, OperationExpirationSweep, recorder.events[0].Operation)
		assert.Nil(t, recorder.events[0].Actor)
		assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.sweepResults.WithLabelValues("cancelled")))

		// 再执行一次没有任何变化
		result, err = sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Matched)
		assert.Equal(t, 0, result.Cancelled)
		assert.Len(t, recorder.events, 2)
	})

	t.Run("未到期不取消", func(t *testing.T) {
		env := newTestEnv(t)
		req := env.advance(t, StateWaitingSignedForm)
		env.clock.Advance(60 * day)
		sweeper, err := NewExpirationSweeper(&SweepDeps{Repo: env.repo, Now: env.clock.Now})
		require.NoError(t, err)
		result, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Matched)

		got, err := env.service.GetRequest(ctx, &RequestTargetParams{ID: req.ID, Actor: testActor})
		require.NoError(t, err)
		assert.Equal(t, StateWaitingSignedForm, got.Status)
	})

	t.Run("续期之后不取消", func(t *testing.T) {
		env := newTestEnv(t)
		req := env.advance(t, StateWaitingSignedForm)
		env.clock.Advance(50 * day)
		_, err := env.service.RenewReservation(ctx, &RequestTargetParams{ID: req.ID, Actor: testActor})
		require.NoError(t, err)
		env.clock.Advance(20 * day)

		sweeper, err := NewExpirationSweeper(&SweepDeps{Repo: env.repo, Now: env.clock.Now})
		require.NoError(t, err)
		result, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Matched)
	})

	t.Run("并发流转时跳过", func(t *testing.T) {
		env := newTestEnv(t)
		req := env.advance(t, StateWaitingSignedForm)
		env.clock.Advance(61 * day)
		// 扫描查询之后, 写入之前记录已经完成
		repo := &racingRepo{ProcurementRepo: env.repo, beforeUpdate: func(ctx context.Context, id string) {
			_, err := env.repo.ConditionalUpdate(ctx, &ConditionalUpdateParams{
				Where:  &ConditionalUpdateWhere{ID: id, StatusIn: []string{StateWaitingSignedForm}},
				Fields: &ProcurementRequestFields{Status: String(StatePendingContract)},
			})
			require.NoError(t, err)
			_, err = env.repo.ConditionalUpdate(ctx, &ConditionalUpdateParams{
				Where:  &ConditionalUpdateWhere{ID: id, StatusIn: []string{StatePendingContract}},
				Fields: &ProcurementRequestFields{Status: String(StateCompleted)},
			})
			require.NoError(t, err)
		}}
		sweeper, err := NewExpirationSweeper(&SweepDeps{Repo: repo, Now: env.clock.Now})
		require.NoError(t, err)
		result, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Matched)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 0, result.Cancelled)

		got, err := env.service.GetRequest(ctx, &RequestTargetParams{ID: req.ID, Actor: testActor})
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, got.Status)
		assert.Empty(t, got.CancellationReason)
	})

	t.Run("单条失败不影响其他记录", func(t *testing.T) {
		env := newTestEnv(t)
		first := env.advance(t, StateWaitingSignedForm)
		second := env.advance(t, StateWaitingSignedForm)
		env.clock.Advance(61 * day)
		repo := &racingRepo{ProcurementRepo: env.repo, failID: first.ID}
		sweeper, err := NewExpirationSweeper(&SweepDeps{Repo: repo, Now: env.clock.Now})
		require.NoError(t, err)
		result, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Matched)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 1, result.Cancelled)

		got, err := env.service.GetRequest(ctx, &RequestTargetParams{ID: second.ID, Actor: testActor})
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, got.Status)
	})

	t.Run("缺少依赖", func(t *testing.T) {
		_, err := NewExpirationSweeper(&SweepDeps{})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

// racingRepo 在条件更新之前插入其他操作或者返回错误
type racingRepo struct {
	ProcurementRepo
	beforeUpdate func(ctx context.Context, id string)
	failID       string
}

func (r *racingRepo) ConditionalUpdate(ctx context.Context, param *ConditionalUpdateParams) (*ProcurementRequestPo, error) {
	if param.Where.ID == r.failID {
		return nil, errors.New("database is locked")
	}
	if r.beforeUpdate != nil {
		r.beforeUpdate(ctx, param.Where.ID)
	}
	return r.ProcurementRepo.ConditionalUpdate(ctx, param)
}

func TestSweepConfig(t *testing.T) {
	cfg := SweepConfig{}.normalized()
	assert.Equal(t, defaultSweepInterval, cfg.Interval)
	assert.Equal(t, defaultSweepBatchSize, cfg.BatchSize)
	assert.Equal(t, defaultSweepLockKey, cfg.LockKey)
	assert.Equal(t, defaultSweepLockTTL, cfg.LockTTL)

	cfg = SweepConfig{Interval: 1, BatchSize: 2, LockKey: "k", LockTTL: 3}.normalized()
	assert.Equal(t, SweepConfig{Interval: 1, BatchSize: 2, LockKey: "k", LockTTL: 3}, cfg)
}
