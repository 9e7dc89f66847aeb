package storage_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/backoff"
	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/storage/local"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// flakyAdapter fails the first `failures` calls of every operation, counting
// each call so tests can assert on traffic.
type flakyAdapter struct {
	storage.Adapter
	name     string
	pingErr  error
	failures int32
	calls    atomic.Int32
	closed   atomic.Bool
}

var errTransient = errors.New("connection reset")

func (f *flakyAdapter) fail() error {
	if f.calls.Add(1) <= f.failures {
		return errTransient
	}
	return nil
}

func (f *flakyAdapter) Name() string { return f.name }
func (f *flakyAdapter) Ping(context.Context) error {
	f.calls.Add(1)
	return f.pingErr
}
func (f *flakyAdapter) Close() error { f.closed.Store(true); return nil }
func (f *flakyAdapter) Put(context.Context, string, []byte) error {
	return f.fail()
}
func (f *flakyAdapter) Get(context.Context, string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return nil, storage.ErrNotFound
}
func (f *flakyAdapter) ListPop(context.Context, string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return nil, storage.ErrEmpty
}

func fastPolicy(attempts int) storage.RetryPolicy {
	return storage.RetryPolicy{Attempts: attempts, Backoff: backoff.NewExponential(time.Millisecond, 2*time.Millisecond)}
}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		attempts  int
		wantErr   error
		wantCalls int32
	}{
		{name: "succeeds first try", failures: 0, attempts: 3, wantCalls: 1},
		{name: "recovers after transient failures", failures: 2, attempts: 3, wantCalls: 3},
		{name: "exhausts budget", failures: 5, attempts: 3, wantErr: storage.ErrStorage, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyAdapter{name: "fake", failures: tt.failures}
			a := storage.WithRetry(inner, fastPolicy(tt.attempts), nil)

			err := a.Put(context.Background(), "k", []byte("v"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, errTransient)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, inner.calls.Load())
		})
	}
}

func TestWithRetryPassesThroughAnswers(t *testing.T) {
	inner := &flakyAdapter{name: "fake"}
	a := storage.WithRetry(inner, fastPolicy(3), nil)

	_, err := a.Get(context.Background(), "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NotErrorIs(t, err, storage.ErrStorage)

	_, err = a.ListPop(context.Background(), "l")
	assert.ErrorIs(t, err, storage.ErrEmpty)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestWithRetryNeverRepeatsPop(t *testing.T) {
	inner := &flakyAdapter{name: "fake", failures: 1}
	a := storage.WithRetry(inner, fastPolicy(3), nil)

	_, err := a.ListPop(context.Background(), "l")
	assert.ErrorIs(t, err, storage.ErrStorage)
	assert.Equal(t, int32(1), inner.calls.Load())
}

// lostReplyAdapter applies the first CompareAndSwap it sees and then
// reports a transient failure, like a network timeout after the write.
type lostReplyAdapter struct {
	storage.Adapter
	lost atomic.Int32
}

func (l *lostReplyAdapter) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	ok, err := l.Adapter.CompareAndSwap(ctx, key, prev, next)
	if err == nil && l.lost.Add(1) == 1 {
		return ok, errors.New("i/o timeout")
	}
	return ok, err
}

func TestWithRetryCompareAndSwapLostReply(t *testing.T) {
	ctx := context.Background()
	db, err := local.Open(local.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()

	tests := []struct {
		name  string
		setup func(t *testing.T)
		prev  []byte
		next  []byte
		want  bool
		final string
	}{
		{
			name: "create applied before the reply was lost",
			prev: nil, next: []byte("v1"), want: true, final: "v1",
		},
		{
			name:  "update applied before the reply was lost",
			setup: func(t *testing.T) { require.NoError(t, db.Put(ctx, "k", []byte("v1"))) },
			prev:  []byte("v1"), next: []byte("v2"), want: true, final: "v2",
		},
		{
			name:  "genuine conflict is still a conflict",
			setup: func(t *testing.T) { require.NoError(t, db.Put(ctx, "k", []byte("other"))) },
			prev:  []byte("v1"), next: []byte("v2"), want: false, final: "other",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, db.Delete(ctx, "k"))
			if tt.setup != nil {
				tt.setup(t)
			}
			a := storage.WithRetry(&lostReplyAdapter{Adapter: db}, fastPolicy(3), nil)

			ok, err := a.CompareAndSwap(ctx, "k", tt.prev, tt.next)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			v, err := db.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, tt.final, string(v))
		})
	}
}

func TestSelectHealthyNetworked(t *testing.T) {
	net := &flakyAdapter{name: "redis"}
	localOpened := false

	sel, err := storage.Select(context.Background(),
		func(context.Context) (storage.Adapter, error) { return net, nil },
		func(context.Context) (storage.Adapter, error) {
			localOpened = true
			return nil, errors.New("unexpected")
		},
		time.Second, nil)
	require.NoError(t, err)
	assert.False(t, sel.Fallback)
	assert.Equal(t, "redis", sel.Adapter.Name())
	assert.False(t, localOpened)
}

// TestSelectFallsBackOnce 網路後端無法連線時只切換一次，之後不再碰觸它
func TestSelectFallsBackOnce(t *testing.T) {
	net := &flakyAdapter{name: "redis", pingErr: errors.New("dial tcp: connection refused")}
	dir := t.TempDir()

	sel, err := storage.Select(context.Background(),
		func(context.Context) (storage.Adapter, error) { return net, nil },
		func(context.Context) (storage.Adapter, error) { return local.Open(local.Options{Dir: dir}) },
		100*time.Millisecond, nil)
	require.NoError(t, err)
	defer sel.Adapter.Close()

	assert.True(t, sel.Fallback)
	assert.Error(t, sel.Reason)
	assert.Equal(t, "local", sel.Adapter.Name())
	assert.True(t, net.closed.Load(), "rejected backend must be closed")
	callsAfterSelect := net.calls.Load()
	assert.Equal(t, int32(1), callsAfterSelect)

	// every subsequent operation lands on the local backend
	keys := storage.NewKeys("")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, sel.Adapter.ListPush(ctx, keys.Lane(types.StagePending, types.PriorityNormal), []byte("id")))
	}
	n, err := sel.Adapter.ListLen(ctx, keys.Lane(types.StagePending, types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, callsAfterSelect, net.calls.Load())
}

func TestSelectNoBackends(t *testing.T) {
	_, err := storage.Select(context.Background(), nil, nil, time.Second, nil)
	assert.ErrorIs(t, err, storage.ErrStorage)
}

func TestKeys(t *testing.T) {
	k := storage.NewKeys("")
	assert.Equal(t, "mediaqueue:task:abc", k.Task("abc"))
	assert.Equal(t, "mediaqueue:lane:processing:urgent", k.Lane(types.StageProcessing, types.PriorityUrgent))
	assert.Equal(t, "mediaqueue:lane:failed", k.FailedLane())

	id, ok := k.TaskIDFromKey("mediaqueue:task:abc")
	assert.True(t, ok)
	assert.Equal(t, types.TaskID("abc"), id)
	_, ok = k.TaskIDFromKey("other:task:abc")
	assert.False(t, ok)

	assert.Equal(t, "mq:dedup:h", storage.NewKeys("mq:").Dedup("h"))
}
