// ============================================================================
// mediaqueue 資源監控 - 准入控制
// ============================================================================
//
// Package: internal/resource
// 文件: monitor.go
// 功能: 週期取樣 CPU／記憶體／並發數，產生准入判決供處理器與 intake 使用
//
// 設計理念:
//   1. 取樣在獨立的 ticker 迴圈中進行，與處理器的拉取迴圈互不阻塞
//   2. 最新判決存在 atomic.Pointer，讀取永不阻塞
//   3. Evaluate 為純函式，方便以固定樣本測試
//
// 判決規則:
//   - 任一指標 >= 高水位即拒絕
//   - 原因取超標最嚴重的指標
//   - RetryAfter = MinRetry + overshoot * (MaxRetry - MinRetry)，overshoot 正規化到 [0,1]
//
// ============================================================================

package resource

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// Reason 拒絕原因
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCPU         Reason = "cpu"
	ReasonMemory      Reason = "memory"
	ReasonConcurrency Reason = "concurrency"
)

// Thresholds 高水位設定（百分比；MaxConcurrent 為 slot 數）
type Thresholds struct {
	CPU           float64 `yaml:"cpu" json:"cpu"`
	Memory        float64 `yaml:"memory" json:"memory"`
	MaxConcurrent int     `yaml:"max_concurrent" json:"max_concurrent"`
}

// DefaultThresholds CPU 與記憶體皆為 90%
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 90, Memory: 90}
}

// Verdict 准入判決
type Verdict struct {
	Accept     bool          `json:"accept"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after"`
	Score      float64       `json:"score"`
	Sample     Sample        `json:"sample"`
}

// ActiveCounter 回報目前正在執行的階段數
type ActiveCounter func() int

// Config 監控設定
type Config struct {
	Thresholds Thresholds
	Interval   time.Duration // 取樣間隔，預設 2s
	MinRetry   time.Duration // 預設 5s
	MaxRetry   time.Duration // 預設 60s
}

func (c *Config) applyDefaults() {
	if c.Thresholds.CPU <= 0 {
		c.Thresholds.CPU = 90
	}
	if c.Thresholds.Memory <= 0 {
		c.Thresholds.Memory = 90
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MinRetry <= 0 {
		c.MinRetry = 5 * time.Second
	}
	if c.MaxRetry < c.MinRetry {
		c.MaxRetry = 60 * time.Second
		if c.MaxRetry < c.MinRetry {
			c.MaxRetry = c.MinRetry
		}
	}
}

// Monitor 資源監控器
type Monitor struct {
	cfg     Config
	sampler Sampler
	active  ActiveCounter
	verdict atomic.Pointer[Verdict]
	onEval  func(Verdict)
}

// NewMonitor 建立監控器；在第一次取樣前判決為接受
func NewMonitor(cfg Config, sampler Sampler, active ActiveCounter) *Monitor {
	cfg.applyDefaults()
	if active == nil {
		active = func() int { return 0 }
	}
	m := &Monitor{cfg: cfg, sampler: sampler, active: active}
	m.verdict.Store(&Verdict{Accept: true})
	return m
}

// OnEvaluate 註冊每次判決後的回呼（metrics 使用），需在 Start 前呼叫
func (m *Monitor) OnEvaluate(fn func(Verdict)) { m.onEval = fn }

// Thresholds 目前的高水位
func (m *Monitor) Thresholds() Thresholds { return m.cfg.Thresholds }

// Verdict 最新判決，永不阻塞
func (m *Monitor) Verdict() Verdict { return *m.verdict.Load() }

// Start 執行取樣迴圈直到 ctx 取消
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh 立即取樣並更新判決；取樣失敗時沿用上一次的判決
func (m *Monitor) Refresh(ctx context.Context) Verdict {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		log.Warn("Resource sample failed, keeping previous verdict", "error", err)
		return m.Verdict()
	}
	sample.Active = m.active()

	v := Evaluate(sample, m.cfg)
	prev := m.verdict.Swap(&v)
	if prev != nil && prev.Accept != v.Accept {
		if v.Accept {
			log.Info("Admission resumed", "cpu", v.Sample.CPU, "memory", v.Sample.Memory, "active", v.Sample.Active)
		} else {
			log.Warn("Admission paused", "reason", v.Reason, "retry_after", v.RetryAfter,
				"cpu", v.Sample.CPU, "memory", v.Sample.Memory, "active", v.Sample.Active)
		}
	}
	if m.onEval != nil {
		m.onEval(v)
	}
	return v
}

// Evaluate 純函式：依樣本與設定產生判決
func Evaluate(s Sample, cfg Config) Verdict {
	cfg.applyDefaults()
	t := cfg.Thresholds

	v := Verdict{Accept: true, Sample: s, Score: Score(s, t)}

	type check struct {
		reason Reason
		value  float64
		limit  float64
		room   float64 // 高水位到上限的距離，用於正規化超標量
	}
	checks := []check{
		{ReasonCPU, s.CPU, t.CPU, 100 - t.CPU},
		{ReasonMemory, s.Memory, t.Memory, 100 - t.Memory},
	}
	if t.MaxConcurrent > 0 {
		checks = append(checks, check{ReasonConcurrency, float64(s.Active), float64(t.MaxConcurrent), float64(t.MaxConcurrent)})
	}

	worst := -1.0
	for _, c := range checks {
		if c.value < c.limit {
			continue
		}
		over := 1.0
		if c.room > 0 {
			over = (c.value - c.limit) / c.room
		}
		over = clamp01(over)
		if over > worst {
			worst = over
			v.Reason = c.reason
		}
	}
	if worst < 0 {
		return v
	}

	v.Accept = false
	v.RetryAfter = cfg.MinRetry + time.Duration(worst*float64(cfg.MaxRetry-cfg.MinRetry))
	return v
}

// Score 負載分數：各指標相對高水位的最大比例，1 表示剛好到達高水位
func Score(s Sample, t Thresholds) float64 {
	score := 0.0
	if t.CPU > 0 {
		score = max(score, s.CPU/t.CPU)
	}
	if t.Memory > 0 {
		score = max(score, s.Memory/t.Memory)
	}
	if t.MaxConcurrent > 0 {
		score = max(score, float64(s.Active)/float64(t.MaxConcurrent))
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
