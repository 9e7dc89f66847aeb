package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/backoff"
)

// RetryPolicy bounds the transparent retries applied to transient backend
// failures.
type RetryPolicy struct {
	Attempts int
	Backoff  backoff.Strategy
}

// DefaultRetryPolicy retries three times, 50ms doubling up to 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: backoff.NewExponential(50*time.Millisecond, time.Second)}
}

type retrying struct {
	inner  Adapter
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps an adapter so transient failures are retried and, once the
// budget is spent, surfaced wrapped in ErrStorage. ErrNotFound and ErrEmpty
// are answers, not failures, and pass straight through.
func WithRetry(a Adapter, policy RetryPolicy, logger *slog.Logger) Adapter {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = DefaultRetryPolicy().Backoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{inner: a, policy: policy, logger: logger}
}

func retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrEmpty),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r *retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err = fn()
		if !retryable(err) {
			if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrEmpty) && !errors.Is(err, ErrStorage) {
				return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
			}
			return err
		}
		if attempt == r.policy.Attempts {
			break
		}
		r.logger.Warn("Storage operation failed, retrying",
			"backend", r.inner.Name(), "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrStorage, op, ctx.Err())
		case <-time.After(r.policy.Backoff.Delay(attempt)):
		}
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrStorage, op, r.policy.Attempts, err)
}

func (r *retrying) Put(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "put", func() error { return r.inner.Put(ctx, key, value) })
}

func (r *retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", func() error {
		var err error
		out, err = r.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func() error { return r.inner.Delete(ctx, key) })
}

func (r *retrying) ListPush(ctx context.Context, list string, value []byte) error {
	return r.do(ctx, "list_push", func() error { return r.inner.ListPush(ctx, list, value) })
}

// ListPop is not retried: a pop that reached the backend but lost its reply
// must not be repeated, or an element would be dropped twice.
func (r *retrying) ListPop(ctx context.Context, list string) ([]byte, error) {
	out, err := r.inner.ListPop(ctx, list)
	if err != nil && retryable(err) {
		return nil, fmt.Errorf("%w: list_pop: %w", ErrStorage, err)
	}
	return out, err
}

func (r *retrying) ListLen(ctx context.Context, list string) (int64, error) {
	var n int64
	err := r.do(ctx, "list_len", func() error {
		var err error
		n, err = r.inner.ListLen(ctx, list)
		return err
	})
	return n, err
}

func (r *retrying) ListContains(ctx context.Context, list string, value []byte) (bool, error) {
	var ok bool
	err := r.do(ctx, "list_contains", func() error {
		var err error
		ok, err = r.inner.ListContains(ctx, list, value)
		return err
	})
	return ok, err
}

func (r *retrying) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "scan", func() error {
		var err error
		keys, err = r.inner.Scan(ctx, prefix)
		return err
	})
	return keys, err
}

// CompareAndSwap is retried, but a swap whose reply was lost may already have
// landed, in which case the retry sees the new value and reports a conflict.
// After any transient failure a rejected swap is therefore checked against
// the stored value: if it already equals next, the earlier attempt won.
func (r *retrying) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var (
		swapped   bool
		uncertain bool
	)
	err := r.do(ctx, "compare_and_swap", func() error {
		ok, err := r.inner.CompareAndSwap(ctx, key, prev, next)
		if err != nil {
			if retryable(err) {
				uncertain = true
			}
			return err
		}
		if !ok && uncertain {
			cur, err := r.inner.Get(ctx, key)
			switch {
			case err == nil:
				ok = bytes.Equal(cur, next)
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		swapped = ok
		return nil
	})
	return swapped, err
}

func (r *retrying) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }
func (r *retrying) Close() error                   { return r.inner.Close() }
func (r *retrying) Name() string                   { return r.inner.Name() }
