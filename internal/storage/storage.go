// Package storage defines the persistence contract shared by every backend:
// durable key/value records plus FIFO lists, with single-key atomicity.
//
// Two families implement it: a networked backend (redis) and a process-local
// durable fallback (write-ahead log + snapshot, or sqlite). Open picks one at
// startup and the process keeps it for its whole lifetime.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: key not found")
	// ErrEmpty is returned by ListPop when the list has no elements.
	ErrEmpty = errors.New("storage: list is empty")
	// ErrStorage wraps backend failures that survived the retry budget.
	ErrStorage = errors.New("storage: backend failure")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: adapter closed")
)

// Adapter is the persistence contract. Every operation is atomic at the
// single key or single list element granularity; nothing spans keys.
type Adapter interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// ListPush appends value to the tail of list.
	ListPush(ctx context.Context, list string, value []byte) error
	// ListPop removes and returns the head of list, or ErrEmpty. Never blocks.
	ListPop(ctx context.Context, list string) ([]byte, error)
	ListLen(ctx context.Context, list string) (int64, error)
	// ListContains reports whether value is currently an element of list.
	ListContains(ctx context.Context, list string, value []byte) (bool, error)

	// Scan returns every record key starting with prefix. Lists are not records.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// CompareAndSwap replaces key's value with next only when the stored value
	// equals prev. A nil prev means "only if absent".
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)

	Ping(ctx context.Context) error
	Close() error
	// Name identifies the backend in logs and stats ("redis", "local", "sqlite").
	Name() string
}
