package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Opener constructs an adapter. It must not assume the backend is reachable.
type Opener func(ctx context.Context) (Adapter, error)

// Selection records which backend won at startup and why.
type Selection struct {
	Adapter  Adapter
	Fallback bool  // true when the local backend replaced the networked one
	Reason   error // why the networked backend was rejected
}

// Select tries the networked backend once and pings it with a bounded
// timeout. If that fails it opens the local backend instead. The decision is
// final for the life of the process: the rejected adapter is closed and never
// consulted again, so queue state cannot be split across backends.
func Select(ctx context.Context, networked, local Opener, pingTimeout time.Duration, logger *slog.Logger) (*Selection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}

	var reason error
	if networked != nil {
		a, err := networked(ctx)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err = a.Ping(pingCtx)
			cancel()
			if err == nil {
				logger.Info("Storage backend selected", "backend", a.Name())
				return &Selection{Adapter: a}, nil
			}
			_ = a.Close()
		}
		reason = err
		logger.Warn("Networked storage unreachable, falling back to local storage", "error", err)
	} else {
		reason = errors.New("no networked backend configured")
	}

	if local == nil {
		return nil, fmt.Errorf("%w: no local backend configured: %w", ErrStorage, reason)
	}
	a, err := local(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open local backend: %w", ErrStorage, err)
	}
	logger.Info("Storage backend selected", "backend", a.Name(), "fallback", true)
	return &Selection{Adapter: a, Fallback: networked != nil, Reason: reason}, nil
}
