package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 账户级分布式锁
// ============================================================================
//
// 同一账户的解锁、撤销、充值入账都会改余额。多个实例同时处理同一账户时，
// 先拿到锁的请求读余额、扣款、提交，后来的请求在锁外等待，拿到锁后看到的
// 已经是提交后的余额，余额不足时直接拒绝，不用走到数据库冲突再回滚重试。
//
// 加锁：SET key owner NX EX ttl
// 释放：Lua 脚本比较 owner 后删除，锁过期被别人拿走时不会误删
//
// 锁只是减少冲突，余额不变量由数据库条件更新保证。
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock redis 锁，owner 标识持有者
type DistributedLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewDistributedLock(client *redis.Client, key, owner string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
	}
}

// TryLock 非阻塞加锁，锁被占用时返回 false
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// Lock 按固定间隔重试加锁，超过次数返回 ErrLockFailed
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	return err
}

// Held 锁是否仍由当前持有者持有
func (l *DistributedLock) Held(ctx context.Context) (bool, error) {
	value, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == l.owner, nil
}

// NewAccountLock 按账户加锁：不同账户并发，同一账户串行
func NewAccountLock(client *redis.Client, accountID, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("haven:lock:account:%s", accountID), owner, ttl)
}
