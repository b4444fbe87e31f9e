package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/infrastructure/lock"
	"havenledger/internal/model"
	"havenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

// accountLocker 同一账户的余额变动串行执行
//
// 没有配置 redis 时退化为只依赖数据库条件更新，结果仍然正确，只是冲突时多一次重试。
type accountLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func newAccountLocker(client *redis.Client, b config.BusinessConfig) accountLocker {
	return accountLocker{
		client:        client,
		ttl:           b.LockTTL(),
		retryInterval: b.LockRetryInterval(),
		maxRetries:    b.LockMaxRetries,
	}
}

func (l accountLocker) acquire(ctx context.Context, accountID string) (func(), error) {
	if l.client == nil {
		return func() {}, nil
	}

	accountLock := lock.NewAccountLock(l.client, accountID, idgen.GenerateRequestID(), l.ttl)
	if err := accountLock.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ErrBusy
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return func() {
		// 请求的 ctx 可能已经取消，释放锁单独给一个超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// 锁在事务结束前过期说明 TTL 配置偏小，余额仍由条件更新保护
		if held, err := accountLock.Held(unlockCtx); err == nil && !held {
			log.Printf("[AccountLock] 锁已过期或被其他请求持有: accountID=%s", accountID)
			return
		}
		if err := accountLock.Unlock(unlockCtx); err != nil {
			log.Printf("[AccountLock] 释放锁失败: accountID=%s, err=%v", accountID, err)
		}
	}, nil
}

// newLedgerEvent 构造 outbox 消息，key 使用账户ID，同一账户的事件进入同一分区
func newLedgerEvent(topic, eventType, accountID string, payload map[string]interface{}) (*model.OutboxMessage, error) {
	payload["event_type"] = eventType
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return &model.OutboxMessage{
		MessageKey: accountID,
		EventType:  eventType,
		Topic:      topic,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}, nil
}

func policiesFromConfig(b config.BusinessConfig) (FreeSlotPolicy, RevenuePolicy, error) {
	loc, err := b.Location()
	if err != nil {
		return FreeSlotPolicy{}, RevenuePolicy{}, fmt.Errorf("时区配置错误: %w", err)
	}
	rate, share, err := b.RevenuePolicy()
	if err != nil {
		return FreeSlotPolicy{}, RevenuePolicy{}, err
	}
	return FreeSlotPolicy{PerWeek: b.FreeSlotsPerWeek, Location: loc},
		RevenuePolicy{CreditRate: rate, ArtistShare: share},
		nil
}

func newRetryPolicy(b config.BusinessConfig) retryPolicy {
	attempts := b.StoreMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retryPolicy{delay: b.StoreRetryDelay(), maxAttempts: uint(attempts)}
}

func int64Ptr(v int64) *int64 {
	return &v
}

func stringPtr(v string) *string {
	return &v
}
