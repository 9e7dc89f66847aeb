// ============================================================================
// mediaqueue 階段執行者
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 下載、轉換、上傳三個階段的預設實作
//
// 階段產出（task.Artifacts）:
//   download_path  下載或本地來源檔案的路徑
//   output_path    轉換後的檔案路徑
//   upload_url     上傳後的位置（URL 或檔案路徑）
//
// 錯誤分類:
//   - 網路錯誤、HTTP 5xx / 429、命令非零結束: 可重試
//   - HTTP 4xx、檔案不存在、找不到執行檔: 致命
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var log = slog.Default()

// Artifact keys
const (
	ArtifactDownloadPath = "download_path"
	ArtifactOutputPath   = "output_path"
	ArtifactUploadURL    = "upload_url"
)

// Config 執行者設定
type Config struct {
	WorkDir     string        `yaml:"work_dir"`     // 下載與轉換輸出目錄
	Command     []string      `yaml:"command"`      // 轉換命令樣板；空表示原樣傳遞
	OutputExt   string        `yaml:"output_ext"`   // 轉換輸出副檔名；空表示沿用輸入
	Sink        string        `yaml:"sink"`         // http(s) URL 或目錄
	HTTPTimeout time.Duration `yaml:"http_timeout"` // 單次 HTTP 請求上限
}

func (c *Config) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "mediaqueue")
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Minute
	}
}

// New 依設定建立三個階段的執行者
func New(cfg Config) (processor.Executors, error) {
	cfg.applyDefaults()
	if cfg.Sink == "" {
		return processor.Executors{}, errors.New("executor sink is required")
	}
	client := &http.Client{Timeout: cfg.HTTPTimeout}

	dl, err := NewDownloader(cfg.WorkDir, client)
	if err != nil {
		return processor.Executors{}, err
	}
	return processor.Executors{
		Download: dl,
		Process:  NewCommandProcessor(cfg.WorkDir, cfg.Command, cfg.OutputExt),
		Upload:   NewUploader(cfg.Sink, client),
	}, nil
}

// ============================================================================
// 共用輔助函式
// ============================================================================

// taskDir 回傳任務專屬的工作目錄
func taskDir(root string, id types.TaskID) (string, error) {
	dir := filepath.Join(root, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

// statusOutcome 將 HTTP 狀態碼分類為結果
func statusOutcome(op string, code int) processor.Outcome {
	err := fmt.Errorf("%s: unexpected status %d", op, code)
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return processor.Retryable(err)
	}
	return processor.Fatal(err)
}

// fileNameFor 選擇下載檔名：metadata original_filename > URL 路徑 > "source"
func fileNameFor(task *types.Task, u *url.URL) string {
	if name := task.MetadataString("original_filename"); name != "" {
		return sanitizeFilename(filepath.Base(name))
	}
	if u != nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return sanitizeFilename(base)
		}
	}
	return "source"
}

func sanitizeFilename(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_")
	name = strings.TrimSpace(r.Replace(name))
	if name == "" || name == "." || name == ".." {
		return "source"
	}
	return name
}

// writeFile 將 src 寫入 dst；失敗時刪除不完整的檔案
func writeFile(ctx context.Context, dst string, src io.Reader) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return n, err
	}
	return n, nil
}

// ctxReader 讓長時間複製在 context 取消時中止
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
