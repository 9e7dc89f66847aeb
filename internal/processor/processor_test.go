package processor_test

// ============================================================================
// 處理器測試
// 職責：以 mock executor 驗證階段推進、重試、致命錯誤、准入與優雅關閉
// ============================================================================

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ChuLiYu/mediaqueue/internal/backoff"
	"github.com/ChuLiYu/mediaqueue/internal/mocks/executor_mock"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/storage/local"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type harness struct {
	db       storage.Adapter
	keys     storage.Keys
	queue    *queue.Queue
	store    *taskstore.Store
	download *executor_mock.MockExecutor
	process  *executor_mock.MockExecutor
	upload   *executor_mock.MockExecutor
}

func newHarness(t *testing.T, opts taskstore.Options) *harness {
	t.Helper()
	db, err := local.Open(local.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctrl := gomock.NewController(t)
	keys := storage.NewKeys("test")
	q := queue.New(db, keys)
	return &harness{
		db:       db,
		keys:     keys,
		queue:    q,
		store:    taskstore.New(db, keys, q, opts),
		download: executor_mock.NewMockExecutor(ctrl),
		process:  executor_mock.NewMockExecutor(ctrl),
		upload:   executor_mock.NewMockExecutor(ctrl),
	}
}

func (h *harness) executors() processor.Executors {
	return processor.Executors{Download: h.download, Process: h.process, Upload: h.upload}
}

func fastConfig() processor.Config {
	return processor.Config{
		NodeID:       "test",
		Slots:        2,
		PollInterval: 10 * time.Millisecond,
		StageTimeout: time.Second,
		MaxAttempts:  3,
		Backoff:      backoff.NewExponential(10*time.Millisecond, 10*time.Millisecond),
	}
}

// start 啟動處理器並在測試結束時停止（先於 mock controller 驗證）
func (h *harness) start(t *testing.T, cfg processor.Config, opts ...processor.Option) *processor.Processor {
	t.Helper()
	p := processor.New(cfg, h.store, h.queue, h.executors(), opts...)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func (h *harness) create(t *testing.T) types.TaskID {
	t.Helper()
	id, err := h.store.Create(context.Background(), taskstore.CreateRequest{
		Source:   types.Source{URL: "https://cdn.example.com/v/1.mp4"},
		Priority: types.PriorityNormal,
		Metadata: map[string]any{"post_id": "42"},
	})
	require.NoError(t, err)
	return id
}

func (h *harness) waitStage(t *testing.T, id types.TaskID, stage types.Stage) *types.Task {
	t.Helper()
	var got *types.Task
	require.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Stage == stage
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s", stage)
	return got
}

func success(artifacts map[string]string) func(context.Context, *types.Task) processor.Outcome {
	return func(context.Context, *types.Task) processor.Outcome { return processor.Success(artifacts) }
}

// ============================================================================
// 階段推進
// ============================================================================

func TestProcessorRunsPipelineToCompletion(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, task *types.Task) processor.Outcome {
			assert.Equal(t, id, task.ID)
			assert.Equal(t, types.StageDownloading, task.Stage)
			assert.Equal(t, "42", task.Metadata["post_id"])
			return processor.Success(map[string]string{"local_path": "/tmp/1.mp4"})
		})
	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, task *types.Task) processor.Outcome {
			assert.Equal(t, "/tmp/1.mp4", task.Artifacts["local_path"])
			return processor.Success(map[string]string{"output_path": "/tmp/1.webm"})
		})
	h.upload.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		success(map[string]string{"remote_url": "s3://bucket/1.webm"}))

	p := h.start(t, fastConfig())

	done := h.waitStage(t, id, types.StageCompleted)
	assert.Equal(t, 0, done.Attempt)
	assert.Empty(t, done.Owner)
	assert.Empty(t, done.Error)
	assert.Equal(t, map[string]string{
		"local_path":  "/tmp/1.mp4",
		"output_path": "/tmp/1.webm",
		"remote_url":  "s3://bucket/1.webm",
	}, done.Artifacts)

	assert.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), p.Stats().Claimed)
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	gomock.InOrder(
		h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).
			Return(processor.Retryable(errors.New("connection reset"))),
		h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).
			Return(processor.Success(nil)),
	)
	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.upload.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))

	p := h.start(t, fastConfig())

	done := h.waitStage(t, id, types.StageCompleted)
	assert.Equal(t, 1, done.Attempt)
	assert.Nil(t, done.NotBefore)
	assert.Equal(t, int64(1), p.Stats().Retried)
}

func TestProcessorExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	cfg := fastConfig()
	cfg.MaxAttempts = 2
	// attempt 0, 1, 2：第三次的可重試結果超過上限轉為致命
	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).
		Return(processor.Retryable(errors.New("503 from origin"))).Times(3)

	p := h.start(t, cfg)

	failed := h.waitStage(t, id, types.StageFailed)
	assert.Contains(t, failed.Error, "downloading: retries exhausted")
	assert.Contains(t, failed.Error, "503 from origin")
	assert.Equal(t, 2, failed.Attempt)
	assert.Empty(t, failed.Owner)

	popped, err := h.queue.PopFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, popped)
	assert.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessorFatalOutcome(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Fatal(errors.New("unsupported codec")))

	h.start(t, fastConfig())

	failed := h.waitStage(t, id, types.StageFailed)
	assert.Equal(t, "processing: unsupported codec", failed.Error)
	assert.Equal(t, 0, failed.Attempt)
}

func TestProcessorRecoversExecutorPanic(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *types.Task) processor.Outcome { panic("nil pointer in decoder") })

	h.start(t, fastConfig())

	failed := h.waitStage(t, id, types.StageFailed)
	assert.Contains(t, failed.Error, "executor panic: nil pointer in decoder")
}

func TestProcessorMissingExecutorIsFatal(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	p := processor.New(fastConfig(), h.store, h.queue, processor.Executors{})
	require.NoError(t, p.Start())
	defer p.Stop(context.Background())

	failed := h.waitStage(t, id, types.StageFailed)
	assert.Contains(t, failed.Error, "no executor for stage downloading")
}

func TestProcessorSingleClaimUnderConcurrency(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	const n = 10
	ids := make([]types.TaskID, 0, n)
	for i := 0; i < n; i++ {
		id, err := h.store.Create(context.Background(), taskstore.CreateRequest{
			Source:   types.Source{Path: "/media/in.mov"},
			Priority: types.PriorityHigh,
			Metadata: map[string]any{"seq": i},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var downloads atomic.Int32
	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *types.Task) processor.Outcome {
			downloads.Add(1)
			return processor.Success(nil)
		}).Times(n)
	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil)).Times(n)
	h.upload.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil)).Times(n)

	cfg := fastConfig()
	cfg.Slots = 4
	h.start(t, cfg)

	for _, id := range ids {
		h.waitStage(t, id, types.StageCompleted)
	}
	assert.Equal(t, int32(n), downloads.Load())
}

// ============================================================================
// 准入控制
// ============================================================================

type switchAdmission struct{ accept atomic.Bool }

func (a *switchAdmission) Verdict() resource.Verdict {
	if a.accept.Load() {
		return resource.Verdict{Accept: true}
	}
	return resource.Verdict{Reason: resource.ReasonCPU, RetryAfter: 10 * time.Millisecond}
}

func TestProcessorHonoursAdmission(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	adm := &switchAdmission{}
	p := h.start(t, fastConfig(), processor.WithAdmission(adm))

	time.Sleep(100 * time.Millisecond)
	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StagePending, task.Stage, "rejected verdict must block pulls")
	assert.Zero(t, p.Stats().Claimed)

	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.upload.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	adm.accept.Store(true)

	h.waitStage(t, id, types.StageCompleted)
}

// busyAdmission 永遠回報併發已滿的過時判決
type busyAdmission struct{}

func (busyAdmission) Verdict() resource.Verdict {
	return resource.Verdict{Reason: resource.ReasonConcurrency, RetryAfter: time.Minute}
}

func TestProcessorIgnoresSampledConcurrency(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.upload.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.start(t, fastConfig(), processor.WithAdmission(busyAdmission{}))

	h.waitStage(t, id, types.StageCompleted)
}

// ============================================================================
// 重複的 lane 項目
// ============================================================================

func TestProcessorDropsDuplicatePendingEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	// 任務已被領取並推進，pending lane 上還留著一份重複項目
	_, err := h.store.Transition(ctx, id, types.StagePending, types.StageDownloading,
		taskstore.Patch{Owner: taskstore.String("elsewhere")})
	require.NoError(t, err)
	_, err = h.store.Transition(ctx, id, types.StageDownloading, types.StageProcessing,
		taskstore.Patch{Owner: taskstore.String("")})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, id, types.StageProcessing, types.PriorityNormal))
	require.NoError(t, h.queue.Enqueue(ctx, id, types.StagePending, types.PriorityNormal))

	h.process.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.upload.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(processor.Success(nil))
	h.start(t, fastConfig())

	h.waitStage(t, id, types.StageCompleted)
	select {
	case a := <-h.store.Anomalies():
		t.Fatalf("unexpected anomaly: %v", a.Err)
	default:
	}
}

func TestProcessorDropsEntryHeldByAnotherSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	_, err := h.store.Transition(ctx, id, types.StagePending, types.StageDownloading,
		taskstore.Patch{Owner: taskstore.String("other-node/slot-0")})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, id, types.StagePending, types.PriorityNormal))

	p := h.start(t, fastConfig())

	require.Eventually(t, func() bool {
		depths, err := h.queue.Depths(ctx)
		return err == nil && depths.Total() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, p.Stats().Claimed)

	task, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "other-node/slot-0", task.Owner)
	select {
	case a := <-h.store.Anomalies():
		t.Fatalf("unexpected anomaly: %v", a.Err)
	default:
	}
}

// ============================================================================
// 生命週期
// ============================================================================

func TestProcessorLifecycleErrors(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	p := processor.New(fastConfig(), h.store, h.queue, h.executors())

	assert.ErrorIs(t, p.Stop(context.Background()), processor.ErrNotStarted)
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), processor.ErrAlreadyStarted)
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()), "second stop is a no-op")
}

func TestStopFlushesDelayedRetries(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	cfg := fastConfig()
	cfg.Slots = 1
	cfg.Backoff = backoff.NewExponential(time.Hour, time.Hour)
	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).
		Return(processor.Retryable(errors.New("timeout")))

	p := processor.New(cfg, h.store, h.queue, h.executors())
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.Stats().Delayed == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	in, err := h.queue.Contains(ctx, id, types.StageDownloading, types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, in, "retry waits for its backoff")

	require.NoError(t, p.Stop(ctx))
	in, err = h.queue.Contains(ctx, id, types.StageDownloading, types.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, in, "stop pushes pending retries immediately")

	task, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StageDownloading, task.Stage)
	assert.Equal(t, 1, task.Attempt)
	require.NotNil(t, task.NotBefore)

	// 新的處理器取到提前推入的重試：不執行，釋放並等到 NotBefore
	next := processor.New(cfg, h.store, h.queue, h.executors())
	require.NoError(t, next.Start())
	require.Eventually(t, func() bool {
		s := next.Stats()
		return s.Claimed == 1 && s.Delayed == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, next.Stop(ctx))

	task, err = h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, task.Owner)
}

func TestStopCancelsInFlightStageAtDeadline(t *testing.T) {
	h := newHarness(t, taskstore.Options{})
	id := h.create(t)

	cfg := fastConfig()
	cfg.Slots = 1
	cfg.StageTimeout = time.Minute
	cfg.Backoff = backoff.NewExponential(time.Hour, time.Hour)

	started := make(chan struct{})
	h.download.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ *types.Task) processor.Outcome {
			close(started)
			<-ctx.Done()
			return processor.Retryable(ctx.Err())
		})

	p := processor.New(cfg, h.store, h.queue, h.executors())
	require.NoError(t, p.Start())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempt, "cancelled stage is recorded as a retry")
	in, err := h.queue.Contains(context.Background(), id, types.StageDownloading, types.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, in)
}
