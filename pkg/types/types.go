// Package types 定義了 mediaqueue 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskID 任務唯一識別碼
type TaskID string

// Stage 任務所在的管線階段
type Stage string

// 定義任務階段常數
const (
	StagePending     Stage = "pending"     // 待處理：已建立，等待下載
	StageDownloading Stage = "downloading" // 下載中（或等待重試下載）
	StageProcessing  Stage = "processing"  // 轉換處理中
	StageUploading   Stage = "uploading"   // 上傳中
	StageCompleted   Stage = "completed"   // 完成（終態）
	StageFailed      Stage = "failed"      // 失敗（終態，只能透過 requeue 回到 pending）
)

// AllStages 依管線順序列出所有階段
var AllStages = []Stage{
	StagePending, StageDownloading, StageProcessing, StageUploading, StageCompleted, StageFailed,
}

// ActiveStages 擁有工作 lane 的階段
var ActiveStages = []Stage{StagePending, StageDownloading, StageProcessing, StageUploading}

// ParseStage 解析階段名稱（不分大小寫）
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStages {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// IsTerminal 是否為終態
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsActive 是否正在管線中（已被領取或等待下一階段）
func (s Stage) IsActive() bool {
	return s == StageDownloading || s == StageProcessing || s == StageUploading
}

// Next 回傳成功後的下一個階段；終態與 failed 回傳空字串
func (s Stage) Next() Stage {
	switch s {
	case StagePending:
		return StageDownloading
	case StageDownloading:
		return StageProcessing
	case StageProcessing:
		return StageUploading
	case StageUploading:
		return StageCompleted
	}
	return ""
}

// CanTransition 檢查 s -> to 是否為合法的狀態轉換
//
// 合法轉換：
//   - 沿管線前進一步：pending -> downloading -> processing -> uploading -> completed
//   - 任何非終態 -> failed
//   - failed -> pending（僅限 requeue）
//   - 非終態的原地更新（s == to），用於領取與重試記錄
func (s Stage) CanTransition(to Stage) bool {
	if s == to {
		return !s.IsTerminal()
	}
	if s.Next() == to {
		return true
	}
	if to == StageFailed {
		return !s.IsTerminal()
	}
	return s == StageFailed && to == StagePending
}

// Priority 任務優先級，數值越大越優先
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// PrioritiesDesc 由高到低排列的優先級（出隊順序）
var PrioritiesDesc = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid 是否為已知的優先級
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority 解析優先級名稱；空字串視為 normal
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON 以名稱序列化
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON 接受名稱或數字
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a name or number: %w", err)
	}
	if !Priority(n).Valid() {
		return fmt.Errorf("priority %d out of range", n)
	}
	*p = Priority(n)
	return nil
}

// ErrInvalidSource 來源必須恰好填寫一項
var ErrInvalidSource = errors.New("source must have exactly one of url or path")

// Source 任務來源：遠端 URL 或本地路徑，二擇一
type Source struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// Validate 檢查 URL 與 Path 恰好填寫一項
func (s Source) Validate() error {
	hasURL := strings.TrimSpace(s.URL) != ""
	hasPath := strings.TrimSpace(s.Path) != ""
	if hasURL == hasPath {
		return ErrInvalidSource
	}
	return nil
}

// String 回傳實際使用的來源參考
func (s Source) String() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

// Task 任務結構，代表系統中的一個媒體處理工作單元
type Task struct {
	// 識別與資料
	ID       TaskID         `json:"task_id"`
	Source   Source         `json:"source"`
	Metadata map[string]any `json:"metadata"` // 生產者提供的上下文，原樣保存

	// 狀態追蹤
	Stage    Stage    `json:"stage"`
	Priority Priority `json:"priority"`
	Attempt  int      `json:"attempt_count"`
	Error    string   `json:"error,omitempty"` // 僅在 stage == failed 時設定

	// 執行資訊
	Owner     string            `json:"owner,omitempty"`      // 目前執行此階段的 slot
	Artifacts map[string]string `json:"artifacts,omitempty"`  // 各階段產出
	NotBefore *time.Time        `json:"not_before,omitempty"` // 重試最早執行時間

	// 時間管理
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 深拷貝任務（metadata 與 artifacts 不共用底層 map）
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(t.Artifacts))
		for k, v := range t.Artifacts {
			c.Artifacts[k] = v
		}
	}
	if t.NotBefore != nil {
		nb := *t.NotBefore
		c.NotBefore = &nb
	}
	return &c
}

// MetadataString 讀取字串型 metadata（數字會被格式化）
func (t *Task) MetadataString(key string) string {
	v, ok := t.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Machine 可分派任務的工作節點
type Machine struct {
	URL                 string        `json:"url"`
	Priority            int           `json:"priority"` // 1-10，數字越小越優先
	IsOnline            bool          `json:"is_online"`
	IsBusy              bool          `json:"is_busy"`
	CurrentTasks        int           `json:"current_tasks"`
	Capacity            int           `json:"capacity"`
	QueueSize           int           `json:"queue_size"`
	LastCheck           time.Time     `json:"last_check"`
	LastError           string        `json:"last_error,omitempty"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// DefaultMachinePriority 未指定時的機器優先級
const DefaultMachinePriority = 5
