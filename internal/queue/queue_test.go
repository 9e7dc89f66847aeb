package queue

// ============================================================================
// 優先級佇列測試
// 職責：驗證出隊順序（URGENT -> LOW）、lane 內 FIFO、深度統計與節流
// ============================================================================

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/storage/local"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := local.Open(local.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, storage.NewKeys("test"))
}

// TestDequeuePriorityOrder 依 URGENT > HIGH > NORMAL > LOW 出隊，同 lane FIFO
func TestDequeuePriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pushes := []struct {
		id types.TaskID
		p  types.Priority
	}{
		{"low-1", types.PriorityLow},
		{"normal-1", types.PriorityNormal},
		{"urgent-1", types.PriorityUrgent},
		{"high-1", types.PriorityHigh},
		{"urgent-2", types.PriorityUrgent},
		{"normal-2", types.PriorityNormal},
	}
	for _, p := range pushes {
		require.NoError(t, q.Enqueue(ctx, p.id, types.StagePending, p.p))
	}

	want := []types.TaskID{"urgent-1", "urgent-2", "high-1", "normal-1", "normal-2", "low-1"}
	for _, w := range want {
		id, _, err := q.Dequeue(ctx, types.StagePending)
		require.NoError(t, err)
		assert.Equal(t, w, id)
	}

	_, _, err := q.Dequeue(ctx, types.StagePending)
	assert.ErrorIs(t, err, ErrEmpty)
}

// TestDequeueReportsPriority 出隊同時回報來源優先級
func TestDequeueReportsPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "t1", types.StageProcessing, types.PriorityHigh))

	id, p, err := q.Dequeue(ctx, types.StageProcessing)
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("t1"), id)
	assert.Equal(t, types.PriorityHigh, p)
}

// TestStagesAreIsolated 不同階段的 lane 互不干擾
func TestStagesAreIsolated(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "t1", types.StageDownloading, types.PriorityNormal))

	_, _, err := q.Dequeue(ctx, types.StagePending)
	assert.ErrorIs(t, err, ErrEmpty)

	id, _, err := q.Dequeue(ctx, types.StageDownloading)
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("t1"), id)
}

func TestEnqueueRejectsTerminalStages(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, s := range []types.Stage{types.StageCompleted, types.StageFailed} {
		err := q.Enqueue(ctx, "t1", s, types.PriorityNormal)
		assert.ErrorIs(t, err, ErrNoLane, "stage %s", s)
	}
	assert.Error(t, q.Enqueue(ctx, "t1", types.StagePending, types.Priority(9)))
}

func TestDepthsAndContains(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", types.StagePending, types.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, "b", types.StagePending, types.PriorityUrgent))
	require.NoError(t, q.Enqueue(ctx, "c", types.StageUploading, types.PriorityNormal))
	require.NoError(t, q.PushFailed(ctx, "d"))

	d, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Stage(types.StagePending))
	assert.Equal(t, int64(1), d.Lanes[types.StageUploading][types.PriorityNormal])
	assert.Equal(t, int64(3), d.Total())
	assert.Equal(t, int64(1), d.Failed)

	ok, err := q.Contains(ctx, "c", types.StageUploading, types.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Contains(ctx, "c", types.StageUploading, types.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := q.PopFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("d"), id)
	_, err = q.PopFailed(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestUrgentLimiter(t *testing.T) {
	var disabled *UrgentLimiter
	assert.True(t, disabled.Allow(types.PriorityUrgent))
	assert.Nil(t, NewUrgentLimiter(0, 1))

	lim := NewUrgentLimiter(0.001, 2)
	assert.True(t, lim.Allow(types.PriorityUrgent))
	assert.True(t, lim.Allow(types.PriorityUrgent))
	assert.False(t, lim.Allow(types.PriorityUrgent), "burst exhausted")

	// other priorities are never throttled
	for i := 0; i < 10; i++ {
		assert.True(t, lim.Allow(types.PriorityLow))
	}
}
