// ============================================================================
// mediaqueue 叢集監控
// ============================================================================
//
// Package: internal/cluster
// 文件: monitor.go
// 功能: 週期輪詢每台機器的 /status，維護 Registry 中的健康與負載資訊
//
// 狀態規則（遲滯）:
//   - 輪詢成功: 立即上線，更新 busy / current_tasks / response_time，失敗計數歸零
//   - 輪詢失敗: 失敗計數 +1，記錄 last_error；連續失敗達 OfflineAfter 才下線
//   - 新加入的機器在第一次成功輪詢前視為離線
//
// 併發: 以 errgroup 同時輪詢所有機器，SetLimit 限制同時請求數；
// 每個請求都有 StatusTimeout 上限，單台機器卡住不會拖住整輪。
//
// ============================================================================

package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var log = slog.Default()

// maxErrorLen last_error 保留長度
const maxErrorLen = 200

// MonitorConfig 監控設定
type MonitorConfig struct {
	Interval     time.Duration // 輪詢間隔
	OfflineAfter int           // 連續失敗幾次後下線
	Concurrency  int           // 同時輪詢上限
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

// Totals 叢集彙總數量
type Totals struct {
	Total  int `json:"total"`
	Online int `json:"online"`
	Busy   int `json:"busy"`
	Idle   int `json:"idle"`
}

// Summarize 計算彙總
func Summarize(machines []types.Machine) Totals {
	t := Totals{Total: len(machines)}
	for _, m := range machines {
		if !m.IsOnline {
			continue
		}
		t.Online++
		if m.IsBusy {
			t.Busy++
		} else {
			t.Idle++
		}
	}
	return t
}

// ClusterStatus 叢集狀態視圖
type ClusterStatus struct {
	Active    bool            `json:"monitoring_active"`
	Machines  []types.Machine `json:"machines"`
	Totals    Totals          `json:"totals"`
	LastCheck time.Time       `json:"last_check,omitempty"`
}

// Monitor 叢集健康監控
type Monitor struct {
	registry *Registry
	client   *Client
	cfg      MonitorConfig
	now      func() time.Time

	active atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	onCheck   []func(Totals)
}

// NewMonitor 建立監控
func NewMonitor(registry *Registry, client *Client, cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	return &Monitor{registry: registry, client: client, cfg: cfg, now: time.Now}
}

// OnCheck 註冊每輪輪詢後的回呼（metrics 使用）
func (m *Monitor) OnCheck(fn func(Totals)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCheck = append(m.onCheck, fn)
}

// Active 監控迴圈是否執行中
func (m *Monitor) Active() bool { return m.active.Load() }

// Start 立即輪詢一次，之後依間隔輪詢直到 ctx 取消
func (m *Monitor) Start(ctx context.Context) {
	m.active.Store(true)
	defer m.active.Store(false)
	log.Info("Cluster monitor started", "machines", m.registry.Len(), "interval", m.cfg.Interval)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		m.CheckAll(ctx)
		select {
		case <-ctx.Done():
			log.Info("Cluster monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckAll 同時輪詢所有機器並回傳彙總
func (m *Monitor) CheckAll(ctx context.Context) Totals {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, url := range m.registry.urls() {
		g.Go(func() error {
			m.check(gctx, url)
			return nil
		})
	}
	_ = g.Wait()

	totals := Summarize(m.registry.Snapshot())
	m.mu.Lock()
	m.lastCheck = m.now()
	hooks := append([]func(Totals){}, m.onCheck...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(totals)
	}
	log.Debug("Cluster check finished", "online", totals.Online, "idle", totals.Idle, "total", totals.Total)
	return totals
}

func (m *Monitor) check(ctx context.Context, url string) {
	start := m.now()
	st, err := m.client.Status(ctx, url)
	took := m.now().Sub(start)
	checked := m.now()

	m.registry.apply(url, func(mc *types.Machine) {
		mc.LastCheck = checked
		if err != nil {
			mc.ConsecutiveFailures++
			mc.LastError = truncate(err.Error(), maxErrorLen)
			if mc.IsOnline && mc.ConsecutiveFailures >= m.cfg.OfflineAfter {
				mc.IsOnline = false
				mc.IsBusy = false
				mc.CurrentTasks = 0
				log.Warn("Machine went offline", "machine", url, "failures", mc.ConsecutiveFailures, "error", mc.LastError)
			}
			return
		}
		if !mc.IsOnline {
			log.Info("Machine came online", "machine", url, "response_time", took)
		}
		mc.IsOnline = true
		mc.ConsecutiveFailures = 0
		mc.LastError = ""
		mc.ResponseTime = took
		mc.CurrentTasks = st.CurrentTasks
		mc.Capacity = st.Capacity
		mc.QueueSize = st.QueueSize
		mc.IsBusy = st.Busy || !st.Accepting || (st.Capacity > 0 && st.CurrentTasks >= st.Capacity)
	})
}

// Status 叢集狀態視圖
func (m *Monitor) Status() ClusterStatus {
	machines := m.registry.Snapshot()
	m.mu.Lock()
	last := m.lastCheck
	m.mu.Unlock()
	return ClusterStatus{
		Active:    m.Active(),
		Machines:  machines,
		Totals:    Summarize(machines),
		LastCheck: last,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
