package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrLockNotAcquired 锁被其他副本持有, 后台任务跳过这一轮
	ErrLockNotAcquired = errors.New("job lock not acquired")
)

type lockKey string

// JobLock 后台任务(过期扫描,提醒发送)的互斥锁, 多个副本同一时间只有一个执行
// 流转操作不加锁, 单条记录的并发由 ConditionalUpdate 保证
type JobLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockNotAcquired
	//                 2.同一个ctx里面可以重入
	//                 3.锁服务不可用返回原始错误, 不是 ErrLockNotAcquired
	//  @param key 锁的key
	//  @param ttl 锁最长持有时间, 进程崩溃之后锁会自动过期
	//  @param f 具体执行函数的闭包
	NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error
}

func holdsLock(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}
