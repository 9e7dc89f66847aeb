package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// Mode 派送模式
type Mode string

const (
	ModeCluster Mode = "cluster" // 只派給遠端機器
	ModeLocal   Mode = "local"   // 只進本地 queue
	ModeHybrid  Mode = "hybrid"  // 先遠端，失敗退回本地 queue
)

// ParseMode 解析派送模式；空字串視為 hybrid
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeCluster, ModeLocal, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

// LocalSubmitter 在本節點建立任務
type LocalSubmitter interface {
	SubmitLocal(ctx context.Context, d TaskDescriptor) (types.TaskID, error)
}

// LocalSubmitterFunc 函式轉接
type LocalSubmitterFunc func(ctx context.Context, d TaskDescriptor) (types.TaskID, error)

func (f LocalSubmitterFunc) SubmitLocal(ctx context.Context, d TaskDescriptor) (types.TaskID, error) {
	return f(ctx, d)
}

// DispatcherConfig 派送設定
type DispatcherConfig struct {
	Mode                Mode
	MaxDispatchAttempts int // 每次提交最多嘗試的不同機器數，預設 2
}

// DispatchCounters 累計提交次數
type DispatchCounters struct {
	Sent          int64 `json:"total_tasks_sent"`
	Succeeded     int64 `json:"successful_tasks"`
	Failed        int64 `json:"failed_tasks"`
	QueuedLocally int64 `json:"local_tasks_queued"`
}

// Dispatcher 將提交的任務派給最佳機器或本地 queue
type Dispatcher struct {
	registry *Registry
	client   *Client
	local    LocalSubmitter
	cfg      DispatcherConfig
	observe  func(DispatchResult)

	sent      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	queued    atomic.Int64
}

// NewDispatcher 建立 dispatcher；local 與 hybrid 模式需要 LocalSubmitter
func NewDispatcher(registry *Registry, client *Client, local LocalSubmitter, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}
	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = 2
	}
	if cfg.Mode != ModeCluster && local == nil {
		return nil, fmt.Errorf("dispatch mode %s requires a local queue", cfg.Mode)
	}
	return &Dispatcher{registry: registry, client: client, local: local, cfg: cfg}, nil
}

// OnResult 註冊每次提交完成後的回呼
func (d *Dispatcher) OnResult(fn func(DispatchResult)) { d.observe = fn }

// Mode 目前的派送模式
func (d *Dispatcher) Mode() Mode { return d.cfg.Mode }

// Counters 回傳計數快照
func (d *Dispatcher) Counters() DispatchCounters {
	return DispatchCounters{
		Sent:          d.sent.Load(),
		Succeeded:     d.succeeded.Load(),
		Failed:        d.failed.Load(),
		QueuedLocally: d.queued.Load(),
	}
}

// Submit 驗證描述後依模式派送
func (d *Dispatcher) Submit(ctx context.Context, desc TaskDescriptor) DispatchResult {
	if err := desc.Validate(); err != nil {
		res := DispatchResult{ErrorCode: CodeMissingRequiredFields, Error: err.Error()}
		d.finish(res, false)
		return res
	}
	d.sent.Add(1)

	if d.cfg.Mode == ModeLocal {
		return d.finish(d.submitLocal(ctx, desc), true)
	}

	ranked := RankMachines(d.registry.Snapshot())
	if len(ranked) == 0 {
		if d.cfg.Mode == ModeHybrid {
			log.Info("No machine available, queueing locally")
			return d.finish(d.submitLocal(ctx, desc), true)
		}
		return d.finish(DispatchResult{
			ErrorCode: CodeNoAvailableMachines,
			Error:     ErrNoAvailableMachine.Error(),
		}, true)
	}

	var last DispatchResult
	for i, m := range ranked {
		if i >= d.cfg.MaxDispatchAttempts {
			break
		}
		last = d.client.SendTask(ctx, m, desc)
		if last.Success {
			log.Info("Task dispatched", "machine", m.URL, "taskID", last.TaskID)
			return d.finish(last, true)
		}
		log.Warn("Dispatch attempt failed", "machine", m.URL, "attempt", i+1, "error", last.Error)
		if ctx.Err() != nil {
			break
		}
	}

	if d.cfg.Mode == ModeHybrid {
		log.Info("All dispatch attempts failed, queueing locally", "last_machine", last.Machine)
		return d.finish(d.submitLocal(ctx, desc), true)
	}
	return d.finish(last, true)
}

func (d *Dispatcher) submitLocal(ctx context.Context, desc TaskDescriptor) DispatchResult {
	id, err := d.local.SubmitLocal(ctx, desc)
	if err != nil {
		return DispatchResult{Local: true, ErrorCode: CodeLocalEnqueueFailed, Error: err.Error()}
	}
	d.queued.Add(1)
	return DispatchResult{Success: true, Local: true, TaskID: id}
}

func (d *Dispatcher) finish(res DispatchResult, counted bool) DispatchResult {
	if counted {
		if res.Success {
			d.succeeded.Add(1)
		} else {
			d.failed.Add(1)
		}
	}
	if d.observe != nil {
		d.observe(res)
	}
	return res
}
