// ============================================================================
// mediaqueue 任務處理器 - 有界 slot 池
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
// 功能: 以固定數量的 slot 拉取任務、領取、執行階段並記錄結果
//
// 架構組件:
//   ┌──────────────┐  Verdict()  ┌─────────────┐
//   │ slot loop x N│ ──────────→ │  Admission  │
//   └──────────────┘             └─────────────┘
//         │ Dequeue(uploading → processing → downloading → pending)
//         ↓
//   ┌──────────────┐  Transition / Claim (CAS)  ┌─────────────┐
//   │    handle    │ ─────────────────────────→ │  taskstore  │
//   └──────────────┘                            └─────────────┘
//         │ Execute(ctx with stage timeout)
//         ↓
//   成功 → 下一階段 lane；可重試 → 退避後回到同一 lane；致命 → failed lane
//
// 領取協定:
//   - 從 pending lane 取出：Transition(pending → downloading, owner=slot)
//   - 從其他 lane 取出：Claim(stage, slot)，要求 owner 為空
//   - 領取失敗代表別人已持有，直接丟棄該 ID
//
// 優雅關閉 Stop(ctx):
//   1. 關閉 stopCh，slot 不再拉取
//   2. 等待執行中的階段完成（受各自的 stage timeout 限制）
//   3. ctx 到期時取消執行中的階段
//   4. 立即推送所有尚未到期的延遲重試
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/backoff"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStarted 重複啟動
	ErrAlreadyStarted = errors.New("processor already started")
	// ErrNotStarted 尚未啟動
	ErrNotStarted = errors.New("processor not started")
)

// pullOrder 先排空後段，讓進行中的任務優先完成
var pullOrder = []types.Stage{
	types.StageUploading,
	types.StageProcessing,
	types.StageDownloading,
	types.StagePending,
}

// maxAdmissionWait 准入拒絕時單次等待上限
const maxAdmissionWait = 5 * time.Second

// bookkeepingTimeout 結果記錄使用獨立 context，避免關閉時遺失狀態
const bookkeepingTimeout = 10 * time.Second

// ============================================================================
// 設定與介面
// ============================================================================

// Config 處理器設定
type Config struct {
	NodeID       string           // slot owner 前綴
	Slots        int              // slot 數量
	PollInterval time.Duration    // 所有 lane 皆空時的等待時間
	StageTimeout time.Duration    // 單一階段執行上限
	MaxAttempts  int              // 可重試錯誤的次數上限，超過轉為致命
	Backoff      backoff.Strategy // 重試延遲
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		c.NodeID = "node"
	}
	if c.Slots <= 0 {
		c.Slots = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = taskstore.DefaultMaxAttempts
	}
	if c.Backoff == nil {
		c.Backoff = backoff.Default()
	}
}

// Admission 提供最新的准入判決
type Admission interface {
	Verdict() resource.Verdict
}

// Observer 接收處理事件（metrics 實作）
type Observer interface {
	StageFinished(stage types.Stage, kind OutcomeKind, took time.Duration)
	TaskAdvanced(from, to types.Stage)
	TaskRetried(stage types.Stage)
	TaskFailed(stage types.Stage)
}

type nopObserver struct{}

func (nopObserver) StageFinished(types.Stage, OutcomeKind, time.Duration) {}
func (nopObserver) TaskAdvanced(types.Stage, types.Stage)                 {}
func (nopObserver) TaskRetried(types.Stage)                               {}
func (nopObserver) TaskFailed(types.Stage)                                {}

// Counters 吞吐計數
type Counters struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Active    int   `json:"active"`
	Delayed   int   `json:"delayed"`
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Processor 任務處理器
type Processor struct {
	cfg       Config
	store     *taskstore.Store
	queue     *queue.Queue
	execs     Executors
	admission Admission
	observer  Observer

	active    atomic.Int32
	claimed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// 執行中階段的 context；Stop 的 ctx 到期時取消
	execCtx    context.Context
	execCancel context.CancelFunc

	dmu     sync.Mutex
	delayed map[*delayedPush]struct{}
	flushed bool
}

type delayedPush struct {
	id       types.TaskID
	stage    types.Stage
	priority types.Priority
	timer    *time.Timer
}

// Option 設定選項
type Option func(*Processor)

// WithAdmission 設定准入判決來源；未設定時永遠接受
func WithAdmission(a Admission) Option { return func(p *Processor) { p.admission = a } }

// WithObserver 設定事件觀察者
func WithObserver(o Observer) Option { return func(p *Processor) { p.observer = o } }

// New 建立處理器
func New(cfg Config, store *taskstore.Store, q *queue.Queue, execs Executors, opts ...Option) *Processor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:        cfg,
		store:      store,
		queue:      q,
		execs:      execs,
		observer:   nopObserver{},
		stopCh:     make(chan struct{}),
		execCtx:    ctx,
		execCancel: cancel,
		delayed:    make(map[*delayedPush]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動所有 slot
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	for i := 0; i < p.cfg.Slots; i++ {
		slot := fmt.Sprintf("%s/slot-%d", p.cfg.NodeID, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runSlot(slot)
		}()
	}
	p.started = true
	log.Info("Processor started", "slots", p.cfg.Slots, "node", p.cfg.NodeID)
	return nil
}

// Stop 停止拉取、等待執行中的階段並推送延遲重試
//
// ctx 到期時取消仍在執行的階段（它們會以可重試結果記錄）並回傳 ctx 錯誤。
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn("Stop deadline reached, cancelling in-flight stages", "active", p.active.Load())
		p.execCancel()
		<-done
	}
	p.execCancel()

	flushed := p.flushDelayed()
	log.Info("Processor stopped",
		"completed", p.completed.Load(),
		"failed", p.failed.Load(),
		"flushed_retries", flushed)
	return err
}

// Active 目前執行中的階段數（資源監控的並發指標）
func (p *Processor) Active() int { return int(p.active.Load()) }

// Stats 吞吐計數快照
func (p *Processor) Stats() Counters {
	p.dmu.Lock()
	delayed := len(p.delayed)
	p.dmu.Unlock()
	return Counters{
		Claimed:   p.claimed.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Active:    p.Active(),
		Delayed:   delayed,
	}
}

func (p *Processor) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// wait 等待 d 或收到停止訊號；回傳 false 表示應結束
func (p *Processor) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// ============================================================================
// Slot 主循環
// ============================================================================

func (p *Processor) runSlot(slot string) {
	for {
		if p.stopping() {
			return
		}

		if p.admission != nil {
			if v := p.admission.Verdict(); !admits(v) {
				d := v.RetryAfter
				if d <= 0 || d > maxAdmissionWait {
					d = maxAdmissionWait
				}
				if !p.wait(d) {
					return
				}
				continue
			}
		}

		stage, id, prio, ok := p.pull()
		if !ok {
			if !p.wait(p.cfg.PollInterval) {
				return
			}
			continue
		}
		p.handle(slot, stage, id, prio)
	}
}

// admits 判斷 slot 是否可以拉取任務
//
// 併發判決來自週期取樣，可能落後於實際；能跑到這裡代表本 slot 空閒，
// slot 數本身就是併發上限，因此只有 CPU 與記憶體的拒絕才需要等待。
func admits(v resource.Verdict) bool {
	return v.Accept || v.Reason == resource.ReasonConcurrency
}

// pull 依 pullOrder 嘗試各階段
func (p *Processor) pull() (types.Stage, types.TaskID, types.Priority, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	for _, stage := range pullOrder {
		id, prio, err := p.queue.Dequeue(ctx, stage)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			log.Error("Failed to dequeue", "stage", stage, "error", err)
			return "", "", 0, false
		}
		return stage, id, prio, true
	}
	return "", "", 0, false
}

// errLaneEntryStale lane 項目已過時：任務早已離開該階段（重複推入），安靜丟棄
var errLaneEntryStale = errors.New("lane entry is stale")

// claim 依取出的 lane 領取任務
//
// pending lane 上可能出現 owner 已清空的 downloading 任務（reconciliation 重置），
// 此時改以 Claim 領取。reconciler 與 processor 競爭時同一任務可能被推入兩次，
// 後到的項目看到的階段已往前推進，直接丟棄而不走 CAS，避免誤報 anomaly。
func (p *Processor) claim(ctx context.Context, slot string, lane types.Stage, id types.TaskID) (*types.Task, error) {
	current, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if lane != types.StagePending {
		if current.Stage != lane {
			return nil, fmt.Errorf("%w: %s is %s", errLaneEntryStale, id, current.Stage)
		}
		return p.store.Claim(ctx, id, lane, slot)
	}
	switch current.Stage {
	case types.StagePending:
		return p.store.Transition(ctx, id, types.StagePending, types.StageDownloading, taskstore.Patch{
			Owner: taskstore.String(slot),
		})
	case types.StageDownloading:
		if current.Owner != "" {
			return nil, fmt.Errorf("%w: %s held by %s", errLaneEntryStale, id, current.Owner)
		}
		return p.store.Claim(ctx, id, types.StageDownloading, slot)
	default:
		return nil, fmt.Errorf("%w: %s is %s", errLaneEntryStale, id, current.Stage)
	}
}

func (p *Processor) handle(slot string, lane types.Stage, id types.TaskID, prio types.Priority) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	task, err := p.claim(ctx, slot, lane, id)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, taskstore.ErrStorage):
			// 取出後無法領取：放回 lane，避免遺失
			log.Error("Claim failed on storage error, re-enqueueing", "taskID", id, "stage", lane, "error", err)
			p.schedule(id, lane, prio, p.cfg.PollInterval)
		case errors.Is(err, taskstore.ErrNotFound):
			log.Warn("Dropping lane entry for missing task", "taskID", id, "stage", lane)
		case errors.Is(err, errLaneEntryStale):
			log.Debug("Dropping stale lane entry", "taskID", id, "stage", lane, "error", err)
		default:
			log.Debug("Claim lost", "taskID", id, "stage", lane, "slot", slot, "error", err)
		}
		return
	}
	p.claimed.Add(1)

	// 延遲重試被提前推入 lane（例如關閉時的 flush）：釋放後等到 NotBefore
	if task.NotBefore != nil {
		if wait := time.Until(*task.NotBefore); wait > 0 {
			p.release(slot, task, wait)
			return
		}
	}

	stage := task.Stage
	exec, err := p.execs.For(stage)
	if err != nil {
		p.record(slot, task, stage, Fatal(err), 0)
		return
	}

	p.active.Add(1)
	start := time.Now()
	outcome := p.execute(exec, task)
	took := time.Since(start)
	p.active.Add(-1)

	p.record(slot, task, stage, outcome, took)
}

// execute 在 stage timeout 內執行並把 panic 轉為致命結果
func (p *Processor) execute(exec Executor, task *types.Task) (out Outcome) {
	ctx, cancel := context.WithTimeout(p.execCtx, p.cfg.StageTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Executor panic", "taskID", task.ID, "stage", task.Stage, "panic", r)
			out = Fatal(fmt.Errorf("executor panic: %v", r))
		}
	}()

	out = exec.Execute(ctx, task.Clone())
	if out.Kind == outcomeUnset {
		out = Fatal(errors.New("executor returned no outcome"))
	}
	if out.Kind != OutcomeSuccess && out.Err == nil {
		out.Err = fmt.Errorf("%s stage reported %s without an error", task.Stage, out.Kind)
	}
	return out
}

// release 放回尚未到期的任務
func (p *Processor) release(slot string, task *types.Task, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	_, err := p.store.Transition(ctx, task.ID, task.Stage, task.Stage, taskstore.Patch{
		Owner:   taskstore.String(""),
		IfOwner: slot,
	})
	if err != nil {
		log.Error("Failed to release early retry", "taskID", task.ID, "error", err)
		return
	}
	p.schedule(task.ID, task.Stage, task.Priority, wait)
}

// ============================================================================
// 結果記錄
// ============================================================================

func (p *Processor) record(slot string, task *types.Task, stage types.Stage, out Outcome, took time.Duration) {
	p.observer.StageFinished(stage, out.Kind, took)

	if out.Kind == OutcomeRetryable && task.Attempt+1 > p.cfg.MaxAttempts {
		out = Fatal(fmt.Errorf("retries exhausted after %d attempts: %w", task.Attempt, out.Err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	switch out.Kind {
	case OutcomeSuccess:
		p.advance(ctx, slot, task, stage, out)
	case OutcomeRetryable:
		p.retry(ctx, slot, task, stage, out)
	default:
		p.fail(ctx, slot, task, stage, out.Err)
	}
}

func (p *Processor) advance(ctx context.Context, slot string, task *types.Task, stage types.Stage, out Outcome) {
	next := stage.Next()
	updated, err := p.store.Transition(ctx, task.ID, stage, next, taskstore.Patch{
		Owner:          taskstore.String(""),
		IfOwner:        slot,
		Artifacts:      out.Artifacts,
		ClearNotBefore: true,
	})
	if err != nil {
		log.Error("Failed to record stage success", "taskID", task.ID, "stage", stage, "error", err)
		return
	}
	p.observer.TaskAdvanced(stage, next)

	if next == types.StageCompleted {
		p.completed.Add(1)
		log.Info("Task completed", "taskID", task.ID, "attempts", updated.Attempt)
		return
	}
	if err := p.queue.Enqueue(ctx, task.ID, next, task.Priority); err != nil {
		// 記錄已前進但未入列：reconciliation 會補推
		log.Error("Failed to enqueue next stage", "taskID", task.ID, "stage", next, "error", err)
		return
	}
	log.Debug("Stage completed", "taskID", task.ID, "stage", stage, "next", next)
}

func (p *Processor) retry(ctx context.Context, slot string, task *types.Task, stage types.Stage, out Outcome) {
	attempt := task.Attempt + 1
	delay := p.cfg.Backoff.Delay(attempt)
	notBefore := time.Now().Add(delay)

	_, err := p.store.Transition(ctx, task.ID, stage, stage, taskstore.Patch{
		Attempt:   taskstore.Int(attempt),
		Owner:     taskstore.String(""),
		IfOwner:   slot,
		NotBefore: &notBefore,
	})
	if err != nil {
		log.Error("Failed to record retry", "taskID", task.ID, "stage", stage, "error", err)
		return
	}
	p.retried.Add(1)
	p.observer.TaskRetried(stage)
	log.Warn("Stage failed, retrying",
		"taskID", task.ID, "stage", stage, "attempt", attempt, "delay", delay, "error", out.Err)
	p.schedule(task.ID, stage, task.Priority, delay)
}

func (p *Processor) fail(ctx context.Context, slot string, task *types.Task, stage types.Stage, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := p.store.Transition(ctx, task.ID, stage, types.StageFailed, taskstore.Patch{
		Error:          taskstore.String(fmt.Sprintf("%s: %s", stage, msg)),
		Owner:          taskstore.String(""),
		IfOwner:        slot,
		ClearNotBefore: true,
	})
	if err != nil {
		log.Error("Failed to record stage failure", "taskID", task.ID, "stage", stage, "error", err)
		return
	}
	p.failed.Add(1)
	p.observer.TaskFailed(stage)
	if err := p.queue.PushFailed(ctx, task.ID); err != nil {
		log.Error("Failed to push failed lane", "taskID", task.ID, "error", err)
	}
	log.Error("Task failed", "taskID", task.ID, "stage", stage, "error", msg)
}

// ============================================================================
// 延遲重試
// ============================================================================

// schedule 在 d 之後將任務推回 stage lane；關閉後改為立即推送
func (p *Processor) schedule(id types.TaskID, stage types.Stage, prio types.Priority, d time.Duration) {
	e := &delayedPush{id: id, stage: stage, priority: prio}

	p.dmu.Lock()
	if p.flushed {
		p.dmu.Unlock()
		p.push(e)
		return
	}
	e.timer = time.AfterFunc(d, func() { p.fire(e) })
	p.delayed[e] = struct{}{}
	p.dmu.Unlock()
}

func (p *Processor) fire(e *delayedPush) {
	p.dmu.Lock()
	if _, ok := p.delayed[e]; !ok {
		p.dmu.Unlock()
		return // 已被 flush 處理
	}
	delete(p.delayed, e)
	p.dmu.Unlock()
	p.push(e)
}

func (p *Processor) push(e *delayedPush) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	if err := p.queue.Enqueue(ctx, e.id, e.stage, e.priority); err != nil {
		log.Error("Failed to push delayed retry", "taskID", e.id, "stage", e.stage, "error", err)
	}
}

// flushDelayed 停止所有計時器並立即推送
func (p *Processor) flushDelayed() int {
	p.dmu.Lock()
	p.flushed = true
	pending := make([]*delayedPush, 0, len(p.delayed))
	for e := range p.delayed {
		e.timer.Stop()
		pending = append(pending, e)
	}
	p.delayed = make(map[*delayedPush]struct{})
	p.dmu.Unlock()

	for _, e := range pending {
		p.push(e)
	}
	return len(pending)
}
