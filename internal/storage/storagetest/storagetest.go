// Package storagetest runs the storage.Adapter contract against any backend.
// Each backend's tests call Run with a factory that returns a fresh adapter.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
)

// Factory returns an empty adapter. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Adapter

// Run exercises the full adapter contract.
func Run(t *testing.T, newAdapter Factory) {
	t.Run("PutGetDelete", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		_, err := a.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, a.Put(ctx, "k", []byte("v1")))
		v, err := a.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		require.NoError(t, a.Put(ctx, "k", []byte("v2")))
		v, err = a.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		require.NoError(t, a.Delete(ctx, "k"))
		_, err = a.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// deleting an absent key is not an error
		assert.NoError(t, a.Delete(ctx, "missing"))
	})

	t.Run("ListFIFO", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		_, err := a.ListPop(ctx, "l")
		assert.ErrorIs(t, err, storage.ErrEmpty)

		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, a.ListPush(ctx, "l", []byte(v)))
		}
		n, err := a.ListLen(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		ok, err := a.ListContains(ctx, "l", []byte("b"))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = a.ListContains(ctx, "l", []byte("z"))
		require.NoError(t, err)
		assert.False(t, ok)

		for _, want := range []string{"a", "b", "c"} {
			got, err := a.ListPop(ctx, "l")
			require.NoError(t, err)
			assert.Equal(t, want, string(got))
		}
		_, err = a.ListPop(ctx, "l")
		assert.ErrorIs(t, err, storage.ErrEmpty)

		n, err = a.ListLen(ctx, "l")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ScanPrefix", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		require.NoError(t, a.Put(ctx, "ns:task:1", []byte("x")))
		require.NoError(t, a.Put(ctx, "ns:task:2", []byte("x")))
		require.NoError(t, a.Put(ctx, "ns:dedup:1", []byte("x")))
		require.NoError(t, a.Put(ctx, "other:task:3", []byte("x")))

		keys, err := a.Scan(ctx, "ns:task:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ns:task:1", "ns:task:2"}, keys)

		keys, err = a.Scan(ctx, "none:")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		ok, err := a.CompareAndSwap(ctx, "k", nil, []byte("v1"))
		require.NoError(t, err)
		assert.True(t, ok, "put-if-absent on a missing key")

		ok, err = a.CompareAndSwap(ctx, "k", nil, []byte("v9"))
		require.NoError(t, err)
		assert.False(t, ok, "put-if-absent on an existing key")

		ok, err = a.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("v2"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = a.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := a.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		ok, err = a.CompareAndSwap(ctx, "absent", []byte("v1"), []byte("v2"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentCASSingleWinner", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()
		require.NoError(t, a.Put(ctx, "k", []byte("base")))

		const racers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := a.CompareAndSwap(ctx, "k", []byte("base"), []byte(fmt.Sprintf("w%d", i)))
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ConcurrentPopNoDuplicates", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()
		const items = 50
		for i := 0; i < items; i++ {
			require.NoError(t, a.ListPush(ctx, "l", []byte(fmt.Sprintf("%d", i))))
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					v, err := a.ListPop(ctx, "l")
					if err != nil {
						return
					}
					mu.Lock()
					seen[string(v)]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, items)
		for k, n := range seen {
			assert.Equal(t, 1, n, "element %s popped %d times", k, n)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		a := newAdapter(t)
		assert.NoError(t, a.Ping(context.Background()))
		assert.NotEmpty(t, a.Name())
	})
}
