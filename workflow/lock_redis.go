package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// 只删除自己持有的锁
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

const redisLockKeyPrefix = "procurement:lock:"

// NewRedisJobLock 多副本部署使用
func NewRedisJobLock(redisClient redis.Cmdable) JobLock {
	return &redisJobLock{redisClient: redisClient}
}

type redisJobLock struct {
	redisClient redis.Cmdable
}

func (d *redisJobLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if holdsLock(ctx, key) {
		return f(ctx)
	}
	token := uuid.NewString()
	isLock, err := d.redisClient.SetNX(ctx, redisLockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		// redis 不可用不是锁竞争, 需要按照严重错误处理
		return errors.WithMessagef(err, "[redisJobLock.NonBlockingSynchronized] setnx failed, key: %s", key)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockNotAcquired, "[redisJobLock.NonBlockingSynchronized] key: %s has been locked", key)
	}
	defer d.release(key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

func (d *redisJobLock) release(key string, token string) {
	// ctx 可能已经被cancel, 释放锁使用新的ctx
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := d.redisClient.Eval(ctx, releaseScript, []string{redisLockKeyPrefix + key}, token).Int64()
	if err != nil {
		slog.Warn(fmt.Sprintf("[redisJobLock.release] release key failed, key: %s, err: %v", key, err))
		return
	}
	if reply != 1 {
		// 锁已经过期或者被其他副本拿走
		slog.Warn(fmt.Sprintf("[redisJobLock.release] lock already lost, key: %s", key))
	}
}
