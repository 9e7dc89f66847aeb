// ============================================================================
// mediaqueue 本地儲存 - 行程內持久化後備方案
// ============================================================================
//
// Package: internal/storage/local
// 文件: local.go
// 功能: 在網路後端（redis）無法連線時提供相同契約的本地持久化儲存
//
// 設計理念:
//   記憶體狀態 + Write-Ahead Log + 快照：
//   1. 每個變更先寫 WAL（Write-Ahead），再修改記憶體
//   2. WAL 累積到門檻後寫入快照並截斷 WAL（compaction）
//   3. 啟動時：載入快照 -> 重放 seq 大於快照 last_seq 的記錄
//
// 並發安全:
//   - 單一 sync.Mutex 串行化所有操作，天然滿足單鍵／單元素原子性
//
// ============================================================================

package local

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
)

var log = slog.Default()

// 確認實作介面
var _ storage.Adapter = (*Store)(nil)

const (
	walFileName      = "store.wal"
	snapshotFileName = "store.snapshot.json"
)

// Options 本地儲存配置
type Options struct {
	Dir             string // 資料目錄
	SyncOnAppend    bool   // 每筆 WAL 記錄都 fsync
	CompactEvery    int    // 每累積多少筆 WAL 記錄就寫快照，<= 0 使用預設值
	DisableCompacts bool   // 測試用：關閉自動快照
}

// Store 本地持久化儲存
type Store struct {
	mu       sync.Mutex
	records  map[string][]byte
	lists    map[string][][]byte
	wal      *WAL
	snapshot *SnapshotManager
	opts     Options
	sinceSnp int // 上次快照後的 WAL 記錄數
	closed   bool
}

// Open 開啟本地儲存並執行恢復流程
//
// 流程：
//  1. 建立資料目錄
//  2. 載入快照
//  3. 重放 WAL（跳過快照已包含的記錄）
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("local storage: dir is required")
	}
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = 10000
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: create dir: %w", err)
	}

	snap := NewSnapshotManager(filepath.Join(opts.Dir, snapshotFileName))
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("local storage: load snapshot: %w", err)
	}

	w, err := OpenWAL(filepath.Join(opts.Dir, walFileName), opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}

	s := &Store{
		records:  data.Records,
		lists:    data.Lists,
		wal:      w,
		snapshot: snap,
		opts:     opts,
	}

	replayed := 0
	torn, err := w.Replay(func(rec Record) error {
		if rec.Seq <= data.LastSeq {
			return nil
		}
		s.apply(rec.Op, rec.Key, rec.Value)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("local storage: replay wal: %w", err)
	}
	if torn {
		log.Warn("Truncated torn record at WAL tail", "path", opts.Dir)
	}
	w.SetSeq(data.LastSeq)
	s.sinceSnp = replayed

	log.Info("Local storage recovered",
		"dir", opts.Dir,
		"records", len(s.records),
		"lists", len(s.lists),
		"replayed", replayed)
	return s, nil
}

// apply 將一筆操作套用到記憶體狀態（呼叫者持有鎖或處於恢復階段）
func (s *Store) apply(op OpType, key string, value []byte) {
	switch op {
	case OpPut:
		s.records[key] = value
	case OpDelete:
		delete(s.records, key)
	case OpPush:
		s.lists[key] = append(s.lists[key], value)
	case OpPop:
		l := s.lists[key]
		if len(l) <= 1 {
			delete(s.lists, key)
			return
		}
		s.lists[key] = l[1:]
	}
}

// mutate 先寫 WAL 再修改記憶體，必要時觸發快照
func (s *Store) mutate(op OpType, key string, value []byte) error {
	if err := s.wal.Append(op, key, value); err != nil {
		return err
	}
	s.apply(op, key, value)
	s.sinceSnp++
	if !s.opts.DisableCompacts && s.sinceSnp >= s.opts.CompactEvery {
		if err := s.compactLocked(); err != nil {
			// 快照失敗不影響資料正確性，WAL 仍完整
			log.Error("Failed to compact local storage", "error", err)
		}
	}
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed {
		return storage.ErrClosed
	}
	return ctx.Err()
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.mutate(OpPut, key, copyBytes(value))
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	v, ok := s.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyBytes(v), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.records[key]; !ok {
		return nil
	}
	return s.mutate(OpDelete, key, nil)
}

func (s *Store) ListPush(ctx context.Context, list string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.mutate(OpPush, list, copyBytes(value))
}

func (s *Store) ListPop(ctx context.Context, list string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	l := s.lists[list]
	if len(l) == 0 {
		return nil, storage.ErrEmpty
	}
	head := l[0]
	if err := s.mutate(OpPop, list, nil); err != nil {
		return nil, err
	}
	return copyBytes(head), nil
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return int64(len(s.lists[list])), nil
}

func (s *Store) ListContains(ctx context.Context, list string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	for _, v := range s.lists[list] {
		if bytes.Equal(v, value) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	cur, exists := s.records[key]
	if prev == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !bytes.Equal(cur, prev) {
		return false, nil
	}
	if err := s.mutate(OpPut, key, copyBytes(next)); err != nil {
		return false, err
	}
	return true, nil
}

// Ping 本地儲存只要未關閉即可用
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx)
}

func (s *Store) Name() string { return "local" }

// Compact 立即寫入快照並截斷 WAL
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	data := SnapshotData{
		LastSeq: s.wal.Seq(),
		Records: s.records,
		Lists:   s.lists,
	}
	if err := s.snapshot.Write(data); err != nil {
		return err
	}
	if err := s.wal.Truncate(); err != nil {
		return err
	}
	s.sinceSnp = 0
	return nil
}

// Close 寫入最後一次快照並關閉 WAL
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}
	s.closed = true
	return s.wal.Close()
}
