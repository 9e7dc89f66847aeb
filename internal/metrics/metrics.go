// ============================================================================
// mediaqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務處理、准入、叢集與儲存後端的指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - mediaqueue_tasks_created_total{priority}: 建立的任務數
//      - mediaqueue_tasks_completed_total: 完成的任務數
//      - mediaqueue_tasks_failed_total{stage}: 進入 failed 的任務數（依失敗階段）
//      - mediaqueue_tasks_retried_total{stage}: 階段重試次數
//      - mediaqueue_tasks_requeued_total: 手動 requeue 次數
//      - mediaqueue_stage_transitions_total{from,to}: 階段推進次數
//      - mediaqueue_anomalies_total: 過期轉換等異常
//      - mediaqueue_dispatch_total{result}: 分派結果（ok / local / 錯誤碼）
//
//   2. 性能指標 (Histogram):
//      - mediaqueue_stage_duration_seconds{stage,outcome}: 單一階段執行時間
//        * 媒體處理以分鐘計，桶分佈放寬到 30 分鐘
//
//   3. 狀態指標 (Gauge):
//      - mediaqueue_lane_depth{stage}: 各階段 lane 長度（含所有優先級）
//      - mediaqueue_failed_lane_depth: failed lane 長度
//      - mediaqueue_tasks_active: 執行中的階段數
//      - mediaqueue_admission_accepting: 1 接受 / 0 拒絕
//      - mediaqueue_resource_percent{resource}: 最近一次 CPU / 記憶體取樣
//      - mediaqueue_machines{state}: total / online / busy / idle
//      - mediaqueue_storage_fallback: 1 表示已退回本地儲存
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(mediaqueue_tasks_completed_total[1m])
//
//   # 下載階段 95 分位耗時
//   histogram_quantile(0.95, sum by (le) (mediaqueue_stage_duration_seconds_bucket{stage="downloading"}))
//
//   # 任務積壓
//   sum(mediaqueue_lane_depth)
//
// 註冊:
//   NewCollector 接受 prometheus.Registerer；nil 時使用預設 registry。
//   測試應傳入 prometheus.NewRegistry() 避免重複註冊。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

const namespace = "mediaqueue"

var _ processor.Observer = (*Collector)(nil)

// stageBuckets 階段耗時桶（秒）
var stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksCreated   *prometheus.CounterVec
	tasksCompleted prometheus.Counter
	tasksFailed    *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	tasksRequeued  prometheus.Counter
	transitions    *prometheus.CounterVec
	anomalies      prometheus.Counter
	dispatches     *prometheus.CounterVec

	// 效能指標
	stageDuration *prometheus.HistogramVec

	// 狀態指標
	laneDepth       *prometheus.GaugeVec
	failedLaneDepth prometheus.Gauge
	tasksActive     prometheus.Gauge
	admission       prometheus.Gauge
	resourcePercent *prometheus.GaugeVec
	machines        *prometheus.GaugeVec
	storageFallback prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標收集器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created on this node",
		}, []string{"priority"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks that reached completed",
		}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks moved to failed, by the stage that failed",
		}, []string{"stage"}),
		tasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Total number of stage retries scheduled",
		}, []string{"stage"}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_requeued_total",
			Help:      "Total number of failed tasks requeued",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Total number of successful stage transitions",
		}, []string{"from", "to"}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Stale transitions and other invariant violations",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch submissions by result",
		}, []string{"result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time in seconds",
			Buckets:   stageBuckets,
		}, []string{"stage", "outcome"}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lane_depth",
			Help:      "Queued task ids per stage across all priorities",
		}, []string{"stage"}),
		failedLaneDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_lane_depth",
			Help:      "Task ids waiting in the failed lane",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Stages currently executing on this node",
		}),
		admission: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_accepting",
			Help:      "1 when the resource monitor accepts new work",
		}),
		resourcePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_percent",
			Help:      "Last sampled resource usage in percent",
		}, []string{"resource"}),
		machines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines",
			Help:      "Cluster machines by state",
		}, []string{"state"}),
		storageFallback: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_fallback",
			Help:      "1 when the networked backend was unreachable and local storage is in use",
		}),
		gatherer: prometheus.DefaultGatherer,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	// 註冊所有指標
	reg.MustRegister(
		c.tasksCreated, c.tasksCompleted, c.tasksFailed, c.tasksRetried, c.tasksRequeued,
		c.transitions, c.anomalies, c.dispatches, c.stageDuration,
		c.laneDepth, c.failedLaneDepth, c.tasksActive, c.admission,
		c.resourcePercent, c.machines, c.storageFallback,
	)
	c.admission.Set(1)
	return c
}

// Handler 回傳 /metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ============================================================================
// 處理器事件（processor.Observer）
// ============================================================================

// StageFinished 記錄階段耗時
func (c *Collector) StageFinished(stage types.Stage, kind processor.OutcomeKind, took time.Duration) {
	c.stageDuration.WithLabelValues(string(stage), kind.String()).Observe(took.Seconds())
}

// TaskAdvanced 記錄階段推進
func (c *Collector) TaskAdvanced(from, to types.Stage) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	if to == types.StageCompleted {
		c.tasksCompleted.Inc()
	}
}

// TaskRetried 記錄重試
func (c *Collector) TaskRetried(stage types.Stage) {
	c.tasksRetried.WithLabelValues(string(stage)).Inc()
}

// TaskFailed 記錄任務失敗
func (c *Collector) TaskFailed(stage types.Stage) {
	c.tasksFailed.WithLabelValues(string(stage)).Inc()
}

// ============================================================================
// 其他事件
// ============================================================================

// RecordCreated 記錄任務建立
func (c *Collector) RecordCreated(p types.Priority) {
	c.tasksCreated.WithLabelValues(p.String()).Inc()
}

// RecordRequeued 記錄 requeue
func (c *Collector) RecordRequeued() {
	c.tasksRequeued.Inc()
}

// RecordAnomaly 記錄異常
func (c *Collector) RecordAnomaly() {
	c.anomalies.Inc()
}

// RecordDispatch 記錄分派結果
func (c *Collector) RecordDispatch(res cluster.DispatchResult) {
	result := res.ErrorCode
	switch {
	case res.Success && res.Local:
		result = "local"
	case res.Success:
		result = "ok"
	case result == "":
		result = "unknown"
	}
	c.dispatches.WithLabelValues(result).Inc()
}

// UpdateDepths 更新 lane 長度
func (c *Collector) UpdateDepths(d queue.Depths) {
	for _, stage := range types.ActiveStages {
		c.laneDepth.WithLabelValues(string(stage)).Set(float64(d.Stage(stage)))
	}
	c.failedLaneDepth.Set(float64(d.Failed))
}

// SetActive 更新執行中的階段數
func (c *Collector) SetActive(n int) {
	c.tasksActive.Set(float64(n))
}

// RecordVerdict 更新准入判決與取樣值
func (c *Collector) RecordVerdict(v resource.Verdict) {
	if v.Accept {
		c.admission.Set(1)
	} else {
		c.admission.Set(0)
	}
	c.resourcePercent.WithLabelValues("cpu").Set(v.Sample.CPU)
	c.resourcePercent.WithLabelValues("memory").Set(v.Sample.Memory)
}

// UpdateMachines 更新叢集機器數量
func (c *Collector) UpdateMachines(t cluster.Totals) {
	c.machines.WithLabelValues("total").Set(float64(t.Total))
	c.machines.WithLabelValues("online").Set(float64(t.Online))
	c.machines.WithLabelValues("busy").Set(float64(t.Busy))
	c.machines.WithLabelValues("idle").Set(float64(t.Idle))
}

// SetStorageFallback 記錄是否已退回本地儲存
func (c *Collector) SetStorageFallback(fallback bool) {
	if fallback {
		c.storageFallback.Set(1)
		return
	}
	c.storageFallback.Set(0)
}
