package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := Dial(Config{Addr: mr.Addr()})
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Adapter {
		s, _ := newTestStore(t)
		return s
	})
}

func TestListsAreRedisLists(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ListPush(ctx, "mq:lane:pending:normal", []byte("a")))
	require.NoError(t, s.ListPush(ctx, "mq:lane:pending:normal", []byte("b")))

	items, err := mr.List("mq:lane:pending:normal")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, items)
}

func TestPingUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	s := Dial(Config{Addr: addr, DialTimeout: 200 * time.Millisecond})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.Ping(ctx))
}

func TestNewDoesNotOwnClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := New(client, WithOpTimeout(time.Second), WithScanCount(10))
	require.NoError(t, s.Close())

	// client still usable after Store.Close
	assert.NoError(t, client.Ping(context.Background()).Err())
}
