package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type (
	// A RetryPolicy bounds the attempts made for a single operation. Each
	// attempt is bounded by AttemptTimeout independently of the backoff
	// between attempts.
	RetryPolicy struct {
		MaxRetries      uint64
		AttemptTimeout  time.Duration
		InitialInterval time.Duration
		MaxInterval     time.Duration
	}

	// A RetryBucket retries failed operations of the wrapped bucket with
	// exponential backoff.
	RetryBucket struct {
		bucket Bucket
		policy RetryPolicy
		log    *zap.Logger
	}
)

var _ Bucket = (*RetryBucket)(nil)

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		AttemptTimeout:  2 * time.Minute,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func (rb *RetryBucket) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if rb.policy.InitialInterval > 0 {
		eb.InitialInterval = rb.policy.InitialInterval
	}
	if rb.policy.MaxInterval > 0 {
		eb.MaxInterval = rb.policy.MaxInterval
	}
	eb.MaxElapsedTime = 0 // bounded by MaxRetries instead
	return backoff.WithContext(backoff.WithMaxRetries(eb, rb.policy.MaxRetries), ctx)
}

func (rb *RetryBucket) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	log := rb.log.With(zap.String("op", op), zap.String("key", key))

	var attempts int
	err := backoff.RetryNotify(func() error {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if rb.policy.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, rb.policy.AttemptTimeout)
		}
		defer cancel()

		err := fn(actx)
		if err != nil && ctx.Err() != nil {
			// the caller gave up, not the store
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, rb.backoff(ctx), func(err error, d time.Duration) {
		log.Debug("retrying store operation", zap.Int("attempt", attempts), zap.Duration("backoff", d), zap.Error(err))
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	default:
		return fmt.Errorf("%w: %s %q failed after %d attempts: %w", ErrUnavailable, op, key, attempts, err)
	}
}

// Has implements Bucket.
func (rb *RetryBucket) Has(ctx context.Context, key string) (ok bool, err error) {
	err = rb.do(ctx, "has", key, func(ctx context.Context) (err error) {
		ok, err = rb.bucket.Has(ctx, key)
		return
	})
	return
}

// Get implements Bucket.
func (rb *RetryBucket) Get(ctx context.Context, key string) (obj Object, ok bool, err error) {
	err = rb.do(ctx, "get", key, func(ctx context.Context) (err error) {
		obj, ok, err = rb.bucket.Get(ctx, key)
		return
	})
	return
}

// Put implements Bucket.
func (rb *RetryBucket) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	return rb.do(ctx, "put", key, func(ctx context.Context) error {
		return rb.bucket.Put(ctx, key, data, opts)
	})
}

// List implements Bucket.
func (rb *RetryBucket) List(ctx context.Context, prefix string, maxKeys int, token string) (page Page, err error) {
	err = rb.do(ctx, "list", prefix, func(ctx context.Context) (err error) {
		page, err = rb.bucket.List(ctx, prefix, maxKeys, token)
		return
	})
	return
}

// WithRetry wraps a bucket so each operation is retried according to policy.
func WithRetry(b Bucket, policy RetryPolicy, log *zap.Logger) *RetryBucket {
	return &RetryBucket{
		bucket: b,
		policy: policy,
		log:    log,
	}
}
