package local

// ============================================================================
// 本地儲存測試
// 職責：驗證契約、崩潰恢復（快照 + WAL 重放）、撕裂尾巴與快照壓縮
// ============================================================================

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/storage/storagetest"
)

func openTestStore(t *testing.T, dir string, opts ...func(*Options)) *Store {
	t.Helper()
	o := Options{Dir: dir}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := Open(o)
	require.NoError(t, err)
	return s
}

// TestContract 驗證 storage.Adapter 契約
func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Adapter {
		s := openTestStore(t, t.TempDir())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestRecoverFromWAL 未寫快照即崩潰：重放 WAL 恢復所有狀態
func TestRecoverFromWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, func(o *Options) { o.DisableCompacts = true })
	require.NoError(t, s.Put(ctx, "task:1", []byte("a")))
	require.NoError(t, s.Put(ctx, "task:2", []byte("b")))
	require.NoError(t, s.Delete(ctx, "task:2"))
	require.NoError(t, s.ListPush(ctx, "lane", []byte("1")))
	require.NoError(t, s.ListPush(ctx, "lane", []byte("2")))
	_, err := s.ListPop(ctx, "lane")
	require.NoError(t, err)

	// 模擬崩潰：直接關閉 WAL，不寫最後快照
	require.NoError(t, s.wal.Close())

	recovered := openTestStore(t, dir)
	defer recovered.Close()

	v, err := recovered.Get(ctx, "task:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	_, err = recovered.Get(ctx, "task:2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	head, err := recovered.ListPop(ctx, "lane")
	require.NoError(t, err)
	assert.Equal(t, "2", string(head))
}

// TestRecoverFromSnapshotAndWAL 快照之後的記錄才會被重放
func TestRecoverFromSnapshotAndWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, func(o *Options) { o.DisableCompacts = true })
	require.NoError(t, s.ListPush(ctx, "lane", []byte("before")))
	require.NoError(t, s.Compact())
	require.NoError(t, s.ListPush(ctx, "lane", []byte("after")))
	require.NoError(t, s.wal.Close())

	recovered := openTestStore(t, dir)
	defer recovered.Close()

	n, err := recovered.ListLen(ctx, "lane")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "snapshot entries must not be replayed twice")
}

// TestSequenceSurvivesCompaction 壓縮後序號不歸零，重啟後新記錄仍能重放
func TestSequenceSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, func(o *Options) { o.DisableCompacts = true })
	require.NoError(t, s.Put(ctx, "k", []byte("1")))
	require.NoError(t, s.Close()) // 寫入最終快照

	s2 := openTestStore(t, dir, func(o *Options) { o.DisableCompacts = true })
	require.NoError(t, s2.Put(ctx, "k", []byte("2")))
	require.NoError(t, s2.wal.Close())

	s3 := openTestStore(t, dir)
	defer s3.Close()
	v, err := s3.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

// TestTornTailIgnored 最後一行寫到一半時忽略它
func TestTornTailIgnored(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, func(o *Options) { o.DisableCompacts = true })
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.wal.Close())

	f, err := os.OpenFile(filepath.Join(dir, walFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"op":"PUT","ke`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered := openTestStore(t, dir)
	defer recovered.Close()
	v, err := recovered.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

// TestRepeatedCrashAfterTornTail 撕裂尾巴恢復後再次崩潰，仍能開啟且不遺失新寫入
func TestRepeatedCrashAfterTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	noCompact := func(o *Options) { o.DisableCompacts = true }

	s := openTestStore(t, dir, noCompact)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.wal.Close())

	f, err := os.OpenFile(filepath.Join(dir, walFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"op":"PUT","ke`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// 第一次恢復後繼續寫入，然後不經 Close 再次崩潰
	second := openTestStore(t, dir, noCompact)
	require.NoError(t, second.Put(ctx, "a", []byte("1")))
	require.NoError(t, second.ListPush(ctx, "lane", []byte("x")))
	require.NoError(t, second.wal.Close())

	third := openTestStore(t, dir)
	defer third.Close()
	for key, want := range map[string]string{"k": "v", "a": "1"} {
		v, err := third.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, []byte(want), v, key)
	}
	n, err := third.ListLen(ctx, "lane")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestMissingFinalNewline 最後一筆完整記錄缺少換行時，後續寫入另起一行
func TestMissingFinalNewline(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	noCompact := func(o *Options) { o.DisableCompacts = true }

	s := openTestStore(t, dir, noCompact)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.wal.Close())

	path := filepath.Join(dir, walFileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.TrimRight(raw, "\n"), 0o644))

	second := openTestStore(t, dir, noCompact)
	require.NoError(t, second.Put(ctx, "a", []byte("1")))
	require.NoError(t, second.wal.Close())

	third := openTestStore(t, dir)
	defer third.Close()
	v, err := third.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

// TestCorruptedMiddleRejected 中段損壞必須回報錯誤
func TestCorruptedMiddleRejected(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, walFileName)
	require.NoError(t, os.WriteFile(walPath, []byte("garbage\n{\"seq\":2}\n"), 0o644))

	_, err := Open(Options{Dir: dir})
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

// TestChecksumMismatch 竄改的記錄被偵測
func TestChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, walFileName)

	w, err := OpenWAL(walPath, false)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, "a", []byte("1")))
	require.NoError(t, w.Append(OpPut, "b", []byte("2")))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	tampered := []byte(string(raw[:len(raw)/4]) + "X" + string(raw[len(raw)/4+1:]))
	require.NoError(t, os.WriteFile(walPath, tampered, 0o644))

	w2, err := OpenWAL(walPath, false)
	require.NoError(t, err)
	defer w2.Close()
	_, err = w2.Replay(func(Record) error { return nil })
	assert.Error(t, err)
}

// TestAutoCompact 達到門檻後自動寫快照並截斷 WAL
func TestAutoCompact(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, func(o *Options) { o.CompactEvery = 5 })
	defer s.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.ListPush(ctx, "lane", []byte{byte('a' + i)}))
	}

	info, err := os.Stat(filepath.Join(dir, walFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "wal should be truncated after compaction")

	_, err = os.Stat(filepath.Join(dir, snapshotFileName))
	assert.NoError(t, err)
}

// TestClosedStore 關閉後的操作回傳 ErrClosed
func TestClosedStore(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(context.Background(), "k", nil), storage.ErrClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), storage.ErrClosed)
	assert.NoError(t, s.Close())
}

// TestSnapshotIncompatibleVersion 版本不符拒絕載入
func TestSnapshotIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver":99}`), 0o644))
	_, err := NewSnapshotManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
