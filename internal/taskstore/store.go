// ============================================================================
// mediaqueue 任務儲存 - 任務狀態機實現
// ============================================================================
//
// Package: internal/taskstore
// 文件: store.go
// 功能: 在 storage.Adapter 之上管理任務記錄的完整生命週期與狀態轉換
//
// 設計理念:
//   任務記錄是單一真實來源（Single Source of Truth），lane 只是索引：
//   1. 每個任務以 JSON 存於 <ns>:task:<id>
//   2. 所有狀態轉換都是對記錄做 compare-and-swap，不依賴記憶體鎖
//   3. 多個處理器同時搶同一任務時，只有一個 CAS 會成功
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ 被 slot 領取
//   Downloading → Processing → Uploading → Completed (已完成)
//      ↓ 任一非終態遇到不可恢復錯誤
//   Failed (失敗)
//      ↓ Requeue()（受重試上限限制）
//   Pending
//
// 不變式:
//   - 任務記錄永遠帶有 metadata（nil 拒絕寫入）
//   - error 欄位只在 stage == failed 時存在
//   - 狀態不符的轉換回傳 StaleTransitionError 並送往異常通道，任務保持原樣
//
// ============================================================================

package taskstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrNotFound = errors.New("task not found")
	// 建立任務時未提供 metadata
	ErrMissingMetadata = errors.New("task metadata is required")
	// metadata 值不是字串、數字或布林
	ErrInvalidMetadata = errors.New("task metadata values must be strings, numbers or booleans")
	// 不合法的階段轉換
	ErrInvalidTransition = errors.New("invalid stage transition")
	// 儲存的階段與預期不符
	ErrStaleTransition = errors.New("stale transition")
	// 任務已被其他 slot 領取
	ErrAlreadyClaimed = errors.New("task already claimed")
	// 重試次數已達上限
	ErrRetryExhausted = errors.New("task retry budget exhausted")
	// 任務不在 failed 狀態
	ErrNotFailed = errors.New("task is not failed")
	// 相同來源的任務已存在
	ErrDuplicateTask = errors.New("duplicate task")
	// URGENT 建立速率超出限制
	ErrThrottled = errors.New("urgent admission throttled")
	// 記錄無法解碼
	ErrCorruptRecord = errors.New("task record is corrupt")
)

// ErrStorage 是 storage.ErrStorage 的別名，方便呼叫者只匯入本套件
var ErrStorage = storage.ErrStorage

// StaleTransitionError 帶有預期與實際階段的狀態不符錯誤
type StaleTransitionError struct {
	TaskID   types.TaskID
	Expected types.Stage
	Actual   types.Stage
	Detail   string
}

func (e *StaleTransitionError) Error() string {
	msg := fmt.Sprintf("stale transition for task %s: expected %s, found %s", e.TaskID, e.Expected, e.Actual)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Is 讓 errors.Is(err, ErrStaleTransition) 成立
func (e *StaleTransitionError) Is(target error) bool { return target == ErrStaleTransition }

// Anomaly 送往異常通道的事件
type Anomaly struct {
	TaskID types.TaskID
	Err    error
	At     time.Time
}

// ============================================================================
// 設定與建構
// ============================================================================

// Options 任務儲存設定
type Options struct {
	MaxAttempts   int                  // requeue 上限，<= 0 使用預設值 3
	Dedup         bool                 // 啟用重複來源偵測
	Limiter       *queue.UrgentLimiter // URGENT 建立節流，nil 表示不限
	AnomalyBuffer int                  // 異常通道容量
	Now           func() time.Time     // 測試用時鐘
}

// DefaultMaxAttempts 預設重試上限
const DefaultMaxAttempts = 3

// casRetries CAS 因並發寫入失敗時的重讀次數
const casRetries = 8

// Store 任務儲存
type Store struct {
	db        storage.Adapter
	keys      storage.Keys
	queue     *queue.Queue
	opts      Options
	anomalies chan Anomaly
}

// New 建立任務儲存
func New(db storage.Adapter, keys storage.Keys, q *queue.Queue, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AnomalyBuffer <= 0 {
		opts.AnomalyBuffer = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:        db,
		keys:      keys,
		queue:     q,
		opts:      opts,
		anomalies: make(chan Anomaly, opts.AnomalyBuffer),
	}
}

// MaxAttempts 目前的重試上限
func (s *Store) MaxAttempts() int { return s.opts.MaxAttempts }

// Anomalies 異常通道；緩衝滿時新事件會被丟棄（仍會記錄日誌）
func (s *Store) Anomalies() <-chan Anomaly { return s.anomalies }

func (s *Store) now() time.Time { return s.opts.Now().UTC() }

func (s *Store) report(id types.TaskID, err error) {
	log.Error("Task store anomaly", "taskID", id, "error", err)
	select {
	case s.anomalies <- Anomaly{TaskID: id, Err: err, At: s.now()}:
	default:
	}
}

// ============================================================================
// 建立與讀取
// ============================================================================

// CreateRequest 建立任務的參數
type CreateRequest struct {
	Source   types.Source
	Priority types.Priority
	Metadata map[string]any
}

// Create 建立 PENDING 任務並推入對應優先級的 pending lane
//
// 錯誤處理：
//   - types.ErrInvalidSource: url 與 path 未恰好填寫一項
//   - ErrMissingMetadata / ErrInvalidMetadata: metadata 缺失或型別不符
//   - ErrThrottled: URGENT 建立過於頻繁
//   - ErrDuplicateTask: 相同來源的任務仍存在，回傳值為既有任務 ID
//   - ErrStorage: 後端寫入失敗，呼叫者不可假設任務已存在
func (s *Store) Create(ctx context.Context, req CreateRequest) (types.TaskID, error) {
	if err := req.Source.Validate(); err != nil {
		return "", err
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(req.Priority))
	}
	meta, err := NormalizeMetadata(req.Metadata)
	if err != nil {
		return "", err
	}
	if !s.opts.Limiter.Allow(req.Priority) {
		return "", ErrThrottled
	}

	id := types.TaskID(uuid.NewString())
	now := s.now()
	task := &types.Task{
		ID:        id,
		Source:    req.Source,
		Metadata:  meta,
		Stage:     types.StagePending,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.opts.Dedup {
		existing, err := s.claimFingerprint(ctx, task)
		if err != nil {
			return existing, err
		}
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	ok, err := s.db.CompareAndSwap(ctx, s.keys.Task(id), nil, raw)
	if err != nil {
		return "", wrapStorage("create", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: task id collision %s", ErrStorage, id)
	}
	if err := s.queue.Enqueue(ctx, id, types.StagePending, req.Priority); err != nil {
		// 記錄已寫入但未入列：reconciliation 會補推
		log.Error("Failed to enqueue created task", "taskID", id, "error", err)
		return "", err
	}

	log.Debug("Task created", "taskID", id, "priority", req.Priority, "source", req.Source.String())
	return id, nil
}

// Fingerprint 依來源與 metadata 的識別欄位計算去重鍵
func Fingerprint(src types.Source, meta map[string]any) string {
	h := sha256.New()
	for _, part := range []string{
		src.URL,
		src.Path,
		metaString(meta, "post_id"),
		metaString(meta, "original_filename"),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// claimFingerprint 以 put-if-absent 佔用去重鍵；既有任務已被清除時接手該鍵
func (s *Store) claimFingerprint(ctx context.Context, task *types.Task) (types.TaskID, error) {
	key := s.keys.Dedup(Fingerprint(task.Source, task.Metadata))
	for i := 0; i < casRetries; i++ {
		ok, err := s.db.CompareAndSwap(ctx, key, nil, []byte(task.ID))
		if err != nil {
			return "", wrapStorage("dedup", err)
		}
		if ok {
			return "", nil
		}

		prev, err := s.db.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", wrapStorage("dedup", err)
		}
		existing := types.TaskID(prev)
		if _, err := s.Get(ctx, existing); err == nil {
			return existing, fmt.Errorf("%w: %s", ErrDuplicateTask, existing)
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		ok, err = s.db.CompareAndSwap(ctx, key, prev, []byte(task.ID))
		if err != nil {
			return "", wrapStorage("dedup", err)
		}
		if ok {
			return "", nil
		}
	}
	return "", fmt.Errorf("%w: dedup key contended", ErrStorage)
}

// Get 讀取任務
func (s *Store) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	task, _, err := s.load(ctx, id)
	return task, err
}

func (s *Store) load(ctx context.Context, id types.TaskID) (*types.Task, []byte, error) {
	raw, err := s.db.Get(ctx, s.keys.Task(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, wrapStorage("get", err)
	}
	task, err := decode(raw)
	if err != nil {
		return nil, raw, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, id, err)
	}
	return task, raw, nil
}

func decode(raw []byte) (*types.Task, error) {
	var t types.Task
	if err := decodeJSON(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Patch 轉換時合併的欄位；nil 表示不變
type Patch struct {
	Error     *string
	Attempt   *int
	Owner     *string
	Artifacts map[string]string // 合併，不取代
	NotBefore *time.Time
	// ClearNotBefore 清除重試時間
	ClearNotBefore bool
	// IfOwner 非空時要求儲存的 owner 相同，避免過期的執行覆寫已被回收的任務
	IfOwner string
}

// String / Int 建立 Patch 指標欄位的輔助函式
func String(s string) *string { return &s }
func Int(n int) *int          { return &n }

// Transition 以 CAS 將任務由 from 轉為 to 並合併 patch
//
// 錯誤處理：
//   - ErrInvalidTransition: from -> to 不合法，或直接要求 failed -> pending
//   - ErrStaleTransition (*StaleTransitionError): 儲存的階段不是 from
//   - ErrNotFound / ErrStorage
func (s *Store) Transition(ctx context.Context, id types.TaskID, from, to types.Stage, patch Patch) (*types.Task, error) {
	if from == types.StageFailed && to == types.StagePending {
		return nil, fmt.Errorf("%w: %s -> %s only through requeue", ErrInvalidTransition, from, to)
	}
	return s.transition(ctx, id, from, to, patch)
}

func (s *Store) transition(ctx context.Context, id types.TaskID, from, to types.Stage, patch Patch) (*types.Task, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	for i := 0; i < casRetries; i++ {
		current, raw, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Stage != from {
			stale := &StaleTransitionError{TaskID: id, Expected: from, Actual: current.Stage}
			s.report(id, stale)
			return nil, stale
		}
		if patch.IfOwner != "" && current.Owner != patch.IfOwner {
			stale := &StaleTransitionError{
				TaskID: id, Expected: from, Actual: current.Stage,
				Detail: fmt.Sprintf("owner %q, expected %q", current.Owner, patch.IfOwner),
			}
			s.report(id, stale)
			return nil, stale
		}

		next := current.Clone()
		next.Stage = to
		apply(next, patch)
		if to != types.StageFailed {
			next.Error = ""
		}
		next.UpdatedAt = s.now()

		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode task: %w", err)
		}
		ok, err := s.db.CompareAndSwap(ctx, s.keys.Task(id), raw, encoded)
		if err != nil {
			return nil, wrapStorage("transition", err)
		}
		if ok {
			return next, nil
		}
		// 記錄在讀取與寫入之間被改動，重讀後再判斷
	}
	return nil, fmt.Errorf("%w: task %s contended", ErrStorage, id)
}

func apply(t *types.Task, p Patch) {
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.Attempt != nil {
		t.Attempt = *p.Attempt
	}
	if p.Owner != nil {
		t.Owner = *p.Owner
	}
	if len(p.Artifacts) > 0 {
		if t.Artifacts == nil {
			t.Artifacts = make(map[string]string, len(p.Artifacts))
		}
		for k, v := range p.Artifacts {
			t.Artifacts[k] = v
		}
	}
	if p.ClearNotBefore {
		t.NotBefore = nil
	}
	if p.NotBefore != nil {
		nb := p.NotBefore.UTC()
		t.NotBefore = &nb
	}
}

// Claim 領取停在 stage 的任務：要求階段相符且無 owner
func (s *Store) Claim(ctx context.Context, id types.TaskID, stage types.Stage, owner string) (*types.Task, error) {
	if owner == "" {
		return nil, errors.New("claim requires an owner")
	}
	if stage.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot claim %s task", ErrInvalidTransition, stage)
	}
	for i := 0; i < casRetries; i++ {
		current, raw, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Stage != stage {
			stale := &StaleTransitionError{TaskID: id, Expected: stage, Actual: current.Stage, Detail: "claim"}
			s.report(id, stale)
			return nil, stale
		}
		if current.Owner != "" {
			return nil, fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, id, current.Owner)
		}

		next := current.Clone()
		next.Owner = owner
		next.UpdatedAt = s.now()
		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode task: %w", err)
		}
		ok, err := s.db.CompareAndSwap(ctx, s.keys.Task(id), raw, encoded)
		if err != nil {
			return nil, wrapStorage("claim", err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: task %s contended", ErrStorage, id)
}

// Requeue 將 FAILED 任務送回 PENDING，attempt_count 加一
//
// 錯誤處理：
//   - ErrNotFailed: 任務不在 failed 狀態
//   - ErrRetryExhausted: attempt_count 已達上限，永久失敗
func (s *Store) Requeue(ctx context.Context, id types.TaskID) (*types.Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Stage != types.StageFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, current.Stage)
	}
	if current.Attempt >= s.opts.MaxAttempts {
		return nil, fmt.Errorf("%w: %s attempted %d of %d", ErrRetryExhausted, id, current.Attempt, s.opts.MaxAttempts)
	}

	next, err := s.transition(ctx, id, types.StageFailed, types.StagePending, Patch{
		Attempt:        Int(current.Attempt + 1),
		Owner:          String(""),
		ClearNotBefore: true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, id, types.StagePending, next.Priority); err != nil {
		return next, err
	}
	log.Info("Task requeued", "taskID", id, "attempt", next.Attempt)
	return next, nil
}

// ============================================================================
// 查詢與清理
// ============================================================================

// Filter List 的篩選條件；零值表示全部
type Filter struct {
	Stages       []types.Stage
	UpdatedUntil time.Time // 只回傳 updated_at 早於此時間的任務
	Limit        int
}

func (f Filter) match(t *types.Task) bool {
	if len(f.Stages) > 0 {
		found := false
		for _, s := range f.Stages {
			if t.Stage == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedUntil.IsZero() && !t.UpdatedAt.Before(f.UpdatedUntil) {
		return false
	}
	return true
}

// ScanResult List 的結果；Corrupt 為無法解碼或缺少 metadata 的記錄 ID
type ScanResult struct {
	Tasks   []*types.Task
	Corrupt []types.TaskID
}

// List 掃描所有任務記錄並依 filter 篩選，結果依 created_at 排序
func (s *Store) List(ctx context.Context, f Filter) (*ScanResult, error) {
	keys, err := s.db.Scan(ctx, s.keys.TaskPrefix())
	if err != nil {
		return nil, wrapStorage("scan", err)
	}

	res := &ScanResult{}
	for _, key := range keys {
		id, ok := s.keys.TaskIDFromKey(key)
		if !ok {
			continue
		}
		task, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // 掃描期間被刪除
		}
		if errors.Is(err, ErrCorruptRecord) {
			res.Corrupt = append(res.Corrupt, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.Metadata == nil {
			res.Corrupt = append(res.Corrupt, id)
			continue
		}
		if f.match(task) {
			res.Tasks = append(res.Tasks, task)
		}
	}

	sort.Slice(res.Tasks, func(i, j int) bool {
		return res.Tasks[i].CreatedAt.Before(res.Tasks[j].CreatedAt)
	})
	if f.Limit > 0 && len(res.Tasks) > f.Limit {
		res.Tasks = res.Tasks[:f.Limit]
	}
	return res, nil
}

// Stats 各階段的任務數量
func (s *Store) Stats(ctx context.Context) (map[types.Stage]int, error) {
	res, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	stats := make(map[types.Stage]int, len(types.AllStages))
	for _, st := range types.AllStages {
		stats[st] = 0
	}
	for _, t := range res.Tasks {
		stats[t.Stage]++
	}
	return stats, nil
}

// Delete 刪除任務記錄與其去重鍵（若仍指向此任務）
func (s *Store) Delete(ctx context.Context, id types.TaskID) error {
	task, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return err
	}
	if task != nil {
		dk := s.keys.Dedup(Fingerprint(task.Source, task.Metadata))
		if owner, err := s.db.Get(ctx, dk); err == nil && types.TaskID(owner) == id {
			if err := s.db.Delete(ctx, dk); err != nil {
				return wrapStorage("delete", err)
			}
		}
	}
	if err := s.db.Delete(ctx, s.keys.Task(id)); err != nil {
		return wrapStorage("delete", err)
	}
	return nil
}

func wrapStorage(op string, err error) error {
	if errors.Is(err, storage.ErrStorage) {
		return fmt.Errorf("taskstore: %s: %w", op, err)
	}
	return fmt.Errorf("%w: taskstore: %s: %w", storage.ErrStorage, op, err)
}
