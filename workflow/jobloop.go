package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// jobLoop 后台任务: 启动的时候先执行一次, 之后每隔 interval 执行, ctx 取消之后返回
// 每一轮都在 JobLock 里面执行, 拿不到锁跳过这一轮
type jobLoop struct {
	name     string
	interval time.Duration
	lock     JobLock
	lockKey  string
	lockTTL  time.Duration
	run      func(ctx context.Context) error
}

func (l *jobLoop) Run(ctx context.Context) {
	l.tick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *jobLoop) tick(ctx context.Context) {
	err := l.lock.NonBlockingSynchronized(ctx, l.lockKey, l.lockTTL, l.run)
	if err == nil {
		return
	}
	if errors.Is(err, ErrLockNotAcquired) {
		slog.InfoContext(ctx, fmt.Sprintf("%s skipped, lock held elsewhere, key: %s", l.name, l.lockKey))
		return
	}
	if IsSeriousError(err) {
		slog.ErrorContext(ctx, fmt.Sprintf("[error]%s failed, err: %v", l.name, err))
		return
	}
	slog.WarnContext(ctx, fmt.Sprintf("[warn]%s failed, err: %v", l.name, err))
}
