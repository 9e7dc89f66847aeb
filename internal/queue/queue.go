// ============================================================================
// mediaqueue 優先級佇列 - 每個 (階段, 優先級) 一條持久化 lane
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 在 storage.Adapter 的 list 原語上實作多 lane 優先級佇列
//
// 設計理念:
//   lane 只存放任務 ID，任務本體由 taskstore 管理：
//   1. Enqueue 推入 (stage, priority) 對應的 lane 尾端
//   2. Dequeue 由 URGENT 往 LOW 依序嘗試 pop，取第一個非空 lane 的頭
//   3. 同一 lane 內保持 FIFO
//
// 注意事項:
//   - Pop 具破壞性，呼叫者必須在同一邏輯步驟中呼叫 taskstore 的轉換
//   - 崩潰於 pop 與轉換之間的任務由 reconciliation 修復
//   - 持續的 URGENT 負載會餓死 LOW，需要公平性時以 UrgentLimiter 節流
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var (
	// ErrEmpty 該階段所有 lane 皆為空
	ErrEmpty = errors.New("queue: no task available")
	// ErrNoLane 該階段沒有工作 lane（終態）
	ErrNoLane = errors.New("queue: stage has no lane")
)

// Queue 多 lane 優先級佇列
type Queue struct {
	db   storage.Adapter
	keys storage.Keys
}

// New 建立佇列
func New(db storage.Adapter, keys storage.Keys) *Queue {
	return &Queue{db: db, keys: keys}
}

func laneStage(stage types.Stage) bool {
	for _, s := range types.ActiveStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Enqueue 將任務 ID 推入 (stage, priority) lane 尾端
func (q *Queue) Enqueue(ctx context.Context, id types.TaskID, stage types.Stage, p types.Priority) error {
	if !laneStage(stage) {
		return fmt.Errorf("%w: %s", ErrNoLane, stage)
	}
	if !p.Valid() {
		return fmt.Errorf("queue: invalid priority %d", int(p))
	}
	if err := q.db.ListPush(ctx, q.keys.Lane(stage, p), []byte(id)); err != nil {
		return wrapStorage("enqueue", err)
	}
	return nil
}

// Dequeue 取出該階段最高優先級 lane 的頭
//
// 返回值：
//   - ErrEmpty: 所有 lane 皆為空
//   - storage.ErrStorage: 後端失敗
func (q *Queue) Dequeue(ctx context.Context, stage types.Stage) (types.TaskID, types.Priority, error) {
	if !laneStage(stage) {
		return "", 0, fmt.Errorf("%w: %s", ErrNoLane, stage)
	}
	for _, p := range types.PrioritiesDesc {
		raw, err := q.db.ListPop(ctx, q.keys.Lane(stage, p))
		if errors.Is(err, storage.ErrEmpty) {
			continue
		}
		if err != nil {
			return "", 0, wrapStorage("dequeue", err)
		}
		return types.TaskID(raw), p, nil
	}
	return "", 0, ErrEmpty
}

// PushFailed 將失敗任務推入 failed lane 供人工檢查
func (q *Queue) PushFailed(ctx context.Context, id types.TaskID) error {
	if err := q.db.ListPush(ctx, q.keys.FailedLane(), []byte(id)); err != nil {
		return wrapStorage("push failed", err)
	}
	return nil
}

// PopFailed 取出 failed lane 的頭，主要供 requeue 工具使用
func (q *Queue) PopFailed(ctx context.Context) (types.TaskID, error) {
	raw, err := q.db.ListPop(ctx, q.keys.FailedLane())
	if errors.Is(err, storage.ErrEmpty) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", wrapStorage("pop failed", err)
	}
	return types.TaskID(raw), nil
}

// Contains 檢查任務 ID 是否仍在 lane 中（reconciliation 使用）
func (q *Queue) Contains(ctx context.Context, id types.TaskID, stage types.Stage, p types.Priority) (bool, error) {
	if !laneStage(stage) {
		return false, fmt.Errorf("%w: %s", ErrNoLane, stage)
	}
	ok, err := q.db.ListContains(ctx, q.keys.Lane(stage, p), []byte(id))
	if err != nil {
		return false, wrapStorage("contains", err)
	}
	return ok, nil
}

// Depths 各 lane 的長度
type Depths struct {
	Lanes  map[types.Stage]map[types.Priority]int64 `json:"lanes"`
	Failed int64                                    `json:"failed"`
}

// Stage 回傳某階段所有優先級的總長度
func (d Depths) Stage(stage types.Stage) int64 {
	var n int64
	for _, v := range d.Lanes[stage] {
		n += v
	}
	return n
}

// Total 所有工作 lane 的總長度（不含 failed）
func (d Depths) Total() int64 {
	var n int64
	for _, s := range types.ActiveStages {
		n += d.Stage(s)
	}
	return n
}

// Depths 讀取所有 lane 長度
func (q *Queue) Depths(ctx context.Context) (Depths, error) {
	d := Depths{Lanes: make(map[types.Stage]map[types.Priority]int64, len(types.ActiveStages))}
	for _, stage := range types.ActiveStages {
		d.Lanes[stage] = make(map[types.Priority]int64, len(types.PrioritiesDesc))
		for _, p := range types.PrioritiesDesc {
			n, err := q.db.ListLen(ctx, q.keys.Lane(stage, p))
			if err != nil {
				return d, wrapStorage("depths", err)
			}
			d.Lanes[stage][p] = n
		}
	}
	n, err := q.db.ListLen(ctx, q.keys.FailedLane())
	if err != nil {
		return d, wrapStorage("depths", err)
	}
	d.Failed = n
	return d, nil
}

func wrapStorage(op string, err error) error {
	if errors.Is(err, storage.ErrStorage) {
		return fmt.Errorf("queue: %s: %w", op, err)
	}
	return fmt.Errorf("%w: queue: %s: %w", storage.ErrStorage, op, err)
}
