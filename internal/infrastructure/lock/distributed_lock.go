package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么按交易号加锁？】
//
// 状态查询、主动取消和网关回调可能同时命中同一笔交易，
// 幂等更新的"读状态-条件写"序列在并发下不是原子的。
//
// 没有锁时的竞态：
//   goroutine1(回调):   读到 processing -> 准备置 completed
//   goroutine2(轮询):   读到 processing -> 准备置 failed
//   两个条件更新先后落库，后到者被状态机拦下，但下游通知可能已经拼装了一半
//
// 加锁后同一笔交易的所有状态变更串行化（单写者），不同交易互不阻塞。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	// SET key value NX EX timeout
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 场景：A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕调用 Unlock
// 不校验 value 的话 A 会把 B 的锁删掉，所以用 Lua 脚本校验后再删除。
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷封装：按交易号维度的单写者锁
// ============================================================================

// TxnLocker 交易级互斥锁工厂
// 服务层通过该接口串行化同一笔交易的状态变更，测试时可替换为空实现。
type TxnLocker interface {
	// LockTxn 锁定一笔交易，返回释放函数
	LockTxn(ctx context.Context, txnNo string) (release func(), err error)
}

// RedisTxnLocker 基于 Redis 的交易锁
type RedisTxnLocker struct {
	client *redis.Client
}

func NewRedisTxnLocker(client *redis.Client) *RedisTxnLocker {
	return &RedisTxnLocker{client: client}
}

func (r *RedisTxnLocker) LockTxn(ctx context.Context, txnNo string) (func(), error) {
	key := fmt.Sprintf("payment:lock:txn:%s", txnNo)
	// value 用锁创建时刻的纳秒时间戳，便于追踪持有者
	value := fmt.Sprintf("%d", time.Now().UnixNano())
	l := NewDistributedLock(r.client, key, value, 30*time.Second)

	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}

	return func() {
		// 释放失败只能等过期兜底
		_ = l.Unlock(context.Background())
	}, nil
}

// NoopTxnLocker 空实现，单机测试或无 Redis 环境使用
type NoopTxnLocker struct{}

func (NoopTxnLocker) LockTxn(ctx context.Context, txnNo string) (func(), error) {
	return func() {}, nil
}
