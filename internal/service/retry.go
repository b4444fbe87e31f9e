package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy 存储调用失败后固定间隔重试，业务错误不重试
type retryPolicy struct {
	delay       time.Duration
	maxAttempts uint
}

func (p retryPolicy) do(ctx context.Context, name string, op func() error) error {
	attempts := p.maxAttempts
	if attempts == 0 {
		attempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && IsDomainError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.delay)),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[%s] 存储调用失败，%s 后重试: %v", name, next, err)
		}),
	)

	if err == nil || IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
