package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalJobLock(t *testing.T) {
	ctx := context.Background()

	t.Run("持有期间其他调用拿不到锁", func(t *testing.T) {
		lock := NewLocalJobLock()
		err := lock.NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error {
			// 同一个ctx可以重入
			err := lock.NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error { return nil })
			require.NoError(t, err)

			err = lock.NonBlockingSynchronized(context.Background(), "sweep", time.Minute, func(ctx context.Context) error {
				t.Fatal("should not run")
				return nil
			})
			assert.ErrorIs(t, err, ErrLockNotAcquired)
			return nil
		})
		require.NoError(t, err)

		// 释放之后可以再次获取
		ran := false
		err = lock.NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("过期的锁视为释放", func(t *testing.T) {
		clock := newTestClock()
		lock := &localJobLock{holds: make(map[string]localHold), now: clock.Now}
		require.True(t, lock.acquire("sweep", "token-a", time.Minute))
		assert.False(t, lock.acquire("sweep", "token-b", time.Minute))

		clock.Advance(2 * time.Minute)
		require.True(t, lock.acquire("sweep", "token-b", time.Minute))
		// 过期的持有者不能释放新的锁
		lock.release("sweep", "token-a")
		assert.False(t, lock.acquire("sweep", "token-c", time.Minute))
	})

	t.Run("返回执行函数的错误", func(t *testing.T) {
		lock := NewLocalJobLock()
		err := lock.NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error {
			return ErrConflict
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestRedisJobLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	replicaA := NewRedisJobLock(client)
	replicaB := NewRedisJobLock(client)

	t.Run("多个副本互斥", func(t *testing.T) {
		err := replicaA.NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error {
			assert.True(t, mr.Exists(redisLockKeyPrefix+"sweep"))
			err := replicaB.NonBlockingSynchronized(ctx, "other", time.Minute, func(ctx context.Context) error { return nil })
			require.NoError(t, err)

			err = replicaB.NonBlockingSynchronized(context.Background(), "sweep", time.Minute, func(ctx context.Context) error {
				t.Fatal("should not run")
				return nil
			})
			assert.ErrorIs(t, err, ErrLockNotAcquired)

			// 同一个ctx可以重入
			return replicaA.NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error { return nil })
		})
		require.NoError(t, err)
		assert.False(t, mr.Exists(redisLockKeyPrefix+"sweep"))
	})

	t.Run("锁过期之后不删除其他副本的锁", func(t *testing.T) {
		err := replicaA.NonBlockingSynchronized(ctx, "expire", time.Second, func(ctx context.Context) error {
			mr.FastForward(2 * time.Second)
			require.False(t, mr.Exists(redisLockKeyPrefix+"expire"))
			require.NoError(t, mr.Set(redisLockKeyPrefix+"expire", "someone-else"))
			return nil
		})
		require.NoError(t, err)
		value, err := mr.Get(redisLockKeyPrefix + "expire")
		require.NoError(t, err)
		assert.Equal(t, "someone-else", value)
	})

	t.Run("redis不可用", func(t *testing.T) {
		broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		t.Cleanup(func() { _ = broken.Close() })
		err := NewRedisJobLock(broken).NonBlockingSynchronized(ctx, "sweep", time.Minute, func(ctx context.Context) error {
			t.Fatal("should not run")
			return nil
		})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrLockNotAcquired)
		assert.True(t, IsSeriousError(err))
	})
}
