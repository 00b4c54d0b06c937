package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalJobLock 单进程使用, 测试和单副本部署
func NewLocalJobLock() JobLock {
	return &localJobLock{
		holds: make(map[string]localHold),
		now:   time.Now,
	}
}

type localJobLock struct {
	mu    sync.Mutex
	holds map[string]localHold
	now   func() time.Time
}

type localHold struct {
	token    string // 持有者标识, 释放的时候校验
	expireAt time.Time
}

func (l *localJobLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if holdsLock(ctx, key) {
		return f(ctx)
	}
	token := uuid.NewString()
	if !l.acquire(key, token, ttl) {
		return errors.WithMessagef(ErrLockNotAcquired, "[localJobLock.NonBlockingSynchronized] key: %s has been locked", key)
	}
	defer l.release(key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

// acquire 过期的锁视为已经释放
func (l *localJobLock) acquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if hold, ok := l.holds[key]; ok && now.Before(hold.expireAt) {
		return false
	}
	l.holds[key] = localHold{token: token, expireAt: now.Add(ttl)}
	return true
}

func (l *localJobLock) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hold, ok := l.holds[key]; ok && hold.token == token {
		delete(l.holds, key)
	}
}
