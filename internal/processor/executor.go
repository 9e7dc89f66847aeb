package processor

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

//go:generate mockgen -destination=../mocks/executor_mock/mock_executor.go -package=executor_mock github.com/ChuLiYu/mediaqueue/internal/processor Executor

// OutcomeKind 階段執行結果類型
type OutcomeKind int

const (
	outcomeUnset     OutcomeKind = iota
	OutcomeSuccess               // 成功，進入下一階段
	OutcomeRetryable             // 暫時性錯誤，退避後重試同一階段
	OutcomeFatal                 // 不可恢復，直接進入 failed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unset"
}

// Outcome 單一階段的執行結果
type Outcome struct {
	Kind      OutcomeKind
	Artifacts map[string]string // 成功時合併進任務的產出
	Err       error
}

// Success 建立成功結果
func Success(artifacts map[string]string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Artifacts: artifacts}
}

// Retryable 建立可重試結果
func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err} }

// Fatal 建立不可恢復結果
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }

// Executor 執行任務的單一階段（下載、轉換、上傳）
type Executor interface {
	Execute(ctx context.Context, task *types.Task) Outcome
}

// ExecutorFunc 讓普通函式滿足 Executor
type ExecutorFunc func(ctx context.Context, task *types.Task) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, task *types.Task) Outcome { return f(ctx, task) }

// Executors 依階段對應的執行者
type Executors struct {
	Download Executor
	Process  Executor
	Upload   Executor
}

// For 回傳負責 stage 的執行者
func (e Executors) For(stage types.Stage) (Executor, error) {
	var ex Executor
	switch stage {
	case types.StageDownloading:
		ex = e.Download
	case types.StageProcessing:
		ex = e.Process
	case types.StageUploading:
		ex = e.Upload
	}
	if ex == nil {
		return nil, fmt.Errorf("no executor for stage %s", stage)
	}
	return ex, nil
}
