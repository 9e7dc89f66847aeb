package local

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以 append-only 方式記錄每一個儲存操作（put/delete/push/pop）
// 2. 提供重放功能以在啟動時重建記憶體狀態
// 3. 快照後截斷日誌（序號持續遞增，不歸零）
// 4. 每筆記錄帶 CRC32 校驗和，偵測損壞
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"sync"
)

var (
	// ErrCorruptedWAL 日誌中段出現無法解析的記錄
	ErrCorruptedWAL = errors.New("wal: file is corrupted")
	// ErrChecksumMismatch 校驗和不符（資料損壞或遭竄改）
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrWALClosed WAL 已關閉
	ErrWALClosed = errors.New("wal: already closed")
)

// OpType 儲存操作類型
type OpType string

const (
	OpPut    OpType = "PUT"
	OpDelete OpType = "DEL"
	OpPush   OpType = "PUSH"
	OpPop    OpType = "POP"
)

// Record WAL 記錄
type Record struct {
	Seq      uint64 `json:"seq"`
	Op       OpType `json:"op"`
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
	Checksum uint32 `json:"checksum"`
}

// checksum 計算記錄的 CRC32（涵蓋 seq、op、key、value）
func (r Record) checksum() uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(r.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(r.Op))
	h.Write([]byte{0})
	h.Write([]byte(r.Key))
	h.Write([]byte{0})
	h.Write(r.Value)
	return h.Sum32()
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64 // 最後寫入的序號
	syncOnAppend bool   // 每次追加都 fsync
	closed       bool
}

// OpenWAL 建立或開啟 WAL
//
// 行為：
//   - 檔案不存在時建立，序號從 0 開始
//   - 檔案存在時由呼叫者先 Replay，再以 SetSeq 對齊快照的序號
func OpenWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &WAL{file: file, path: path, syncOnAppend: syncOnAppend}, nil
}

// SetSeq 對齊序號（重放後呼叫）
func (w *WAL) SetSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Seq 目前序號
func (w *WAL) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Append 追加一筆操作並（可選）同步到磁碟
func (w *WAL) Append(op OpType, key string, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	rec := Record{Seq: w.seq + 1, Op: op, Key: key, Value: value}
	rec.Checksum = rec.checksum()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync wal: %w", err)
		}
	}
	w.seq = rec.Seq
	return nil
}

// Replay 依序重放所有記錄
//
// 最後一行若無法解析，視為崩潰時寫到一半的記錄：忽略它並把檔案截斷到
// 最後一筆完整記錄之後，之後的 Append 才不會接在殘缺的位元組後面。
// 中段損壞或校驗和不符則回傳錯誤。
func (w *WAL) Replay(handler func(Record) error) (torn bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read wal: %w", err)
	}

	var (
		pending error
		goodEnd int64 // 最後一筆完整記錄結束的位移
		noEOL   bool  // 最後一筆完整記錄沒有換行
	)
	for off := 0; off < len(data); {
		line := data[off:]
		next := len(line)
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line, next = line[:i], i+1
		}
		off += next

		if len(bytes.TrimSpace(line)) == 0 {
			if pending == nil {
				goodEnd = int64(off)
			}
			continue
		}
		if pending != nil {
			// 損壞的記錄後面還有資料，不是撕裂的尾巴
			return false, pending
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			pending = fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
			continue
		}
		if rec.Checksum != rec.checksum() {
			pending = fmt.Errorf("%w: seq=%d", ErrChecksumMismatch, rec.Seq)
			continue
		}
		if err := handler(rec); err != nil {
			return false, err
		}
		if rec.Seq > w.seq {
			w.seq = rec.Seq
		}
		goodEnd = int64(off)
		noEOL = next == len(line)
	}

	if pending != nil {
		if err := w.file.Truncate(goodEnd); err != nil {
			return true, fmt.Errorf("truncate torn wal tail: %w", err)
		}
	}
	if noEOL {
		if _, err := w.file.Write([]byte{'\n'}); err != nil {
			return pending != nil, fmt.Errorf("terminate wal record: %w", err)
		}
	}
	if pending != nil || noEOL {
		if err := w.file.Sync(); err != nil {
			return pending != nil, fmt.Errorf("sync wal: %w", err)
		}
	}
	return pending != nil, nil
}

// Truncate 快照完成後清空日誌；序號保持不變
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	return w.file.Sync()
}

// Close 關閉 WAL；關閉後不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
