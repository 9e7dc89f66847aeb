package processor

// ============================================================================
// Reconciliation：修復崩潰遺留的任務
// 職責：
// 1. 找出 updated_at 超過 StaleAfter 且不在任何對應 lane 的非終態任務
// 2. downloading：清除 owner 並推入 pending lane，下載從頭開始
// 3. processing / uploading：清除 owner 並推回自己的 lane
// 4. pending：直接補推 pending lane
// 所有改動都經過 CAS，與處理器同時執行也安全
// ============================================================================

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// ReconcileReport 單次掃描結果
type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Repushed int `json:"repushed"` // 推回原階段 lane
	Reset    int `json:"reset"`    // downloading 重置到 pending lane
	Errors   int `json:"errors"`
}

// Reconciler 週期掃描並修復孤兒任務
type Reconciler struct {
	store      *taskstore.Store
	queue      *queue.Queue
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewReconciler 建立 reconciler；staleAfter 應大於 stage timeout
func NewReconciler(store *taskstore.Store, q *queue.Queue, staleAfter, interval time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{store: store, queue: q, staleAfter: staleAfter, interval: interval, now: time.Now}
}

// Run 週期執行直到 ctx 取消
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce 執行一次掃描
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	res, err := r.store.List(ctx, taskstore.Filter{
		Stages:       types.ActiveStages,
		UpdatedUntil: r.now().Add(-r.staleAfter),
	})
	if err != nil {
		return rep, err
	}

	for _, task := range res.Tasks {
		rep.Scanned++
		action, err := r.heal(ctx, task)
		if err != nil {
			rep.Errors++
			if !errors.Is(err, taskstore.ErrStaleTransition) {
				log.Error("Failed to reconcile task", "taskID", task.ID, "stage", task.Stage, "error", err)
			}
			continue
		}
		switch action {
		case actionRepush:
			rep.Repushed++
		case actionReset:
			rep.Reset++
		}
	}

	if rep.Repushed+rep.Reset > 0 {
		log.Warn("Reconciliation healed orphaned tasks",
			"scanned", rep.Scanned, "repushed", rep.Repushed, "reset", rep.Reset)
	}
	return rep, nil
}

type healAction int

const (
	actionNone healAction = iota
	actionRepush
	actionReset
)

func (r *Reconciler) heal(ctx context.Context, task *types.Task) (healAction, error) {
	inOwn, err := r.queue.Contains(ctx, task.ID, task.Stage, task.Priority)
	if err != nil {
		return actionNone, err
	}
	if inOwn {
		return actionNone, nil
	}

	switch task.Stage {
	case types.StagePending:
		return actionRepush, r.queue.Enqueue(ctx, task.ID, types.StagePending, task.Priority)

	case types.StageDownloading:
		inPending, err := r.queue.Contains(ctx, task.ID, types.StagePending, task.Priority)
		if err != nil {
			return actionNone, err
		}
		if inPending {
			return actionNone, nil // 先前已重置，尚未被領取
		}
		if err := r.release(ctx, task, true); err != nil {
			return actionNone, err
		}
		return actionReset, r.queue.Enqueue(ctx, task.ID, types.StagePending, task.Priority)

	default:
		if err := r.release(ctx, task, false); err != nil {
			return actionNone, err
		}
		return actionRepush, r.queue.Enqueue(ctx, task.ID, task.Stage, task.Priority)
	}
}

// release 清除 owner；以原 owner 為條件，避免覆寫剛被領取的任務
func (r *Reconciler) release(ctx context.Context, task *types.Task, restart bool) error {
	patch := taskstore.Patch{Owner: taskstore.String("")}
	if task.Owner != "" {
		patch.IfOwner = task.Owner
	}
	if restart {
		patch.ClearNotBefore = true
	}
	_, err := r.store.Transition(ctx, task.ID, task.Stage, task.Stage, patch)
	return err
}
