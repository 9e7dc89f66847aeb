package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// 派送錯誤碼
const (
	CodeMissingRequiredFields = "MISSING_REQUIRED_FIELDS"
	CodeNoAvailableMachines   = "NO_AVAILABLE_MACHINES"
	CodeDispatchFailed        = "DISPATCH_FAILED"
	CodeLocalEnqueueFailed    = "LOCAL_ENQUEUE_FAILED"
)

// Worker 端點
const (
	StatusPath = "/status"
	TasksPath  = "/tasks"
)

// ErrMissingFields 描述缺少 source 或 metadata
var ErrMissingFields = errors.New("missing required fields")

// TaskDescriptor 節點間傳遞的任務內容；metadata 一律完整傳送
type TaskDescriptor struct {
	Source   types.Source   `json:"source"`
	Priority types.Priority `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

// Validate 檢查 worker 建立任務所需的欄位
func (d TaskDescriptor) Validate() error {
	if err := d.Source.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingFields, err)
	}
	if d.Metadata == nil {
		return fmt.Errorf("%w: metadata", ErrMissingFields)
	}
	if !d.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", int(d.Priority))
	}
	return nil
}

// DispatchResult 派送結果；Success 只代表對方已接受，不追蹤後續執行
type DispatchResult struct {
	Success   bool         `json:"success"`
	Machine   string       `json:"machine,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
	TaskID    types.TaskID `json:"task_id,omitempty"`
	Local     bool         `json:"local,omitempty"`
}

// WorkerStatus GET /status 的回應
type WorkerStatus struct {
	NodeID       string `json:"node_id"`
	Busy         bool   `json:"is_busy"`
	CurrentTasks int    `json:"current_tasks"`
	Capacity     int    `json:"capacity"`
	QueueSize    int    `json:"queue_size"`
	Accepting    bool   `json:"accepting"`
	Reason       string `json:"reason,omitempty"`
	RetryAfter   int    `json:"retry_after_seconds,omitempty"`
}

// IntakeResponse POST /tasks 成功時的回應
type IntakeResponse struct {
	TaskID types.TaskID `json:"task_id"`
	Stage  types.Stage  `json:"stage"`
}

// Client worker intake 端點的 HTTP 客戶端
type Client struct {
	http          *http.Client
	statusTimeout time.Duration
	sendTimeout   time.Duration
}

// NewClient 建立客戶端；逾時為零時 status 輪詢用 3s，送出任務用 30s
func NewClient(httpClient *http.Client, statusTimeout, sendTimeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if statusTimeout <= 0 {
		statusTimeout = 3 * time.Second
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Client{http: httpClient, statusTimeout: statusTimeout, sendTimeout: sendTimeout}
}

// Status 輪詢單台 worker
func (c *Client) Status(ctx context.Context, baseURL string) (WorkerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	var st WorkerStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+StatusPath, nil)
	if err != nil {
		return st, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return st, err
	}
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("bad status code %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// SendTask 將描述 POST 到機器的 intake
//
// 非 2xx 或逾時都算失敗，任務不能視為已派送。
func (c *Client) SendTask(ctx context.Context, m types.Machine, d TaskDescriptor) DispatchResult {
	res := DispatchResult{Machine: m.URL}
	fail := func(err error) DispatchResult {
		res.ErrorCode = CodeDispatchFailed
		res.Error = err.Error()
		return res
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fail(fmt.Errorf("encode task: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(m.URL, "/")+TasksPath, bytes.NewReader(data))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusServiceUnavailable {
			return fail(fmt.Errorf("machine busy (status 503)"))
		}
		return fail(fmt.Errorf("bad status code %d, returned %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out IntakeResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			log.Warn("Unreadable intake response", "machine", m.URL, "error", err)
		}
	}
	res.Success = true
	res.TaskID = out.TaskID
	return res
}
