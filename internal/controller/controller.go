// ============================================================================
// mediaqueue 控制器 - 節點組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依角色組裝所有模組，負責啟動順序與優雅關閉
//
// 組件:
//   - Storage: 啟動時選定後端（redis 不可達時改用本地），之後不再切換
//   - TaskStore / Queue: 任務記錄與優先級 lane
//   - Processor: 固定數量的 slot 推進任務階段
//   - Reconciler: 修復孤兒與過期任務（啟動時先跑一次）
//   - Reaper: cron 排程清除過期的終態任務
//   - Resource Monitor: CPU / 記憶體准入判決
//   - Cluster Monitor / Dispatcher: 協調者輪詢工作節點並分派任務
//   - API / Intake / gRPC health: 對外端點，位址為空時不監聽
//
// 角色:
//   standalone   Processor + API，無叢集
//   worker       Processor + API + Intake
//   coordinator  API + Cluster；hybrid / local 分派模式同時執行 Processor
//
// 背景循環（errgroup，ctx 取消後全部結束）:
//   1. resource monitor 取樣
//   2. cluster monitor 輪詢
//   3. reconciler 週期掃描
//   4. anomaly 通道 → metrics
//   5. gauge 更新（lane 深度、執行中數量、gRPC 健康狀態）
//   6. 各個 server
//
// 關閉順序:
//   端點停止接收 → Processor 排空 → Reaper 停止 → 取消背景循環 → 關閉儲存
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/mediaqueue/internal/api"
	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/executor"
	"github.com/ChuLiYu/mediaqueue/internal/intake"
	"github.com/ChuLiYu/mediaqueue/internal/metrics"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var log = slog.Default()

// IntakeHealthService gRPC health 中代表「可接收新任務」的服務名稱
const IntakeHealthService = "mediaqueue.Intake"

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrNotStarted     = errors.New("controller not started")
)

// ============================================================================
// 選項
// ============================================================================

// Option 調整控制器的可替換依賴（主要供測試使用）
type Option func(*options)

type options struct {
	executors  *processor.Executors
	registerer prometheus.Registerer
	sampler    resource.Sampler
	httpClient *http.Client
}

// WithExecutors 以指定的執行者取代 executor.New
func WithExecutors(e processor.Executors) Option {
	return func(o *options) { o.executors = &e }
}

// WithRegisterer 指定 metrics 註冊處，nil 使用 prometheus 預設註冊處
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithSampler 以指定的取樣器取代 /proc
func WithSampler(s resource.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithHTTPClient 協調者呼叫工作節點使用的 HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// ============================================================================
// 控制器
// ============================================================================

// Controller 單一節點的所有組件
type Controller struct {
	cfg Config

	selection *storage.Selection
	db        storage.Adapter
	queue     *queue.Queue
	store     *taskstore.Store
	metrics   *metrics.Collector

	processor  *processor.Processor // coordinator 的 cluster 模式為 nil
	reconciler *processor.Reconciler
	reaper     *processor.Reaper
	resource   *resource.Monitor

	registry   *cluster.Registry // 僅 coordinator
	monitor    *cluster.Monitor
	dispatcher *cluster.Dispatcher

	api    *api.Server
	intake *intake.Server
	grpc   *grpc.Server
	health *health.Server

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    <-chan struct{}
	grpcLis net.Addr
}

var _ cluster.LocalSubmitter = (*Controller)(nil)

// New 開啟儲存並組裝所有組件；不啟動任何 goroutine
func New(ctx context.Context, cfg Config, opts ...Option) (*Controller, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sel, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	c := &Controller{cfg: cfg, selection: sel, db: sel.Adapter}
	if err := c.build(o); err != nil {
		_ = c.db.Close()
		return nil, err
	}
	log.Info("Controller ready",
		"role", cfg.Role,
		"node", cfg.NodeID,
		"backend", c.db.Name(),
		"fallback", sel.Fallback)
	return c, nil
}

func (c *Controller) build(o options) error {
	cfg := c.cfg
	keys := storage.NewKeys(cfg.Storage.Namespace)
	c.queue = queue.New(c.db, keys)

	storeOpts := taskstore.Options{MaxAttempts: cfg.MaxAttempts, Dedup: cfg.Dedup}
	if cfg.UrgentPerSecond > 0 {
		storeOpts.Limiter = queue.NewUrgentLimiter(cfg.UrgentPerSecond, cfg.UrgentBurst)
	}
	c.store = taskstore.New(c.db, keys, c.queue, storeOpts)

	c.metrics = metrics.NewCollector(o.registerer)
	c.metrics.SetStorageFallback(c.selection.Fallback)

	if cfg.runsProcessor() {
		if err := c.buildProcessing(o); err != nil {
			return err
		}
	}
	if cfg.Role == RoleCoordinator {
		if err := c.buildCluster(o); err != nil {
			return err
		}
	}
	c.buildServers()
	return nil
}

// buildProcessing 本地任務處理所需的組件
func (c *Controller) buildProcessing(o options) error {
	cfg := c.cfg

	execs := o.executors
	if execs == nil {
		e, err := executor.New(cfg.Executor)
		if err != nil {
			return fmt.Errorf("build executors: %w", err)
		}
		execs = &e
	}

	sampler := o.sampler
	if sampler == nil {
		ps, err := resource.NewProcSampler(cfg.ProcMount)
		if err != nil {
			log.Warn("procfs unavailable, admission control always accepts", "error", err)
			sampler = resource.StaticSampler{}
		} else {
			sampler = ps
		}
	}

	// resource monitor 先建立，active 以閉包延遲讀取 processor
	c.resource = resource.NewMonitor(cfg.Resource, sampler, func() int { return c.processor.Active() })
	c.resource.OnEvaluate(c.metrics.RecordVerdict)

	c.processor = processor.New(cfg.Processor, c.store, c.queue, *execs,
		processor.WithAdmission(c.resource),
		processor.WithObserver(c.metrics))
	c.reconciler = processor.NewReconciler(c.store, c.queue, cfg.StaleAfter, cfg.ReconcileInterval)
	c.reaper = processor.NewReaper(c.store, cfg.Cleanup)
	return nil
}

// buildCluster 協調者的機器清單、監控與分派
func (c *Controller) buildCluster(o options) error {
	cfg := c.cfg
	c.registry = cluster.NewRegistry()
	if cfg.Cluster.MachinesFile != "" {
		machines, err := cluster.LoadMachinesFile(cfg.Cluster.MachinesFile)
		if err != nil {
			return err
		}
		added, _ := c.registry.Sync(machines)
		log.Info("Machines loaded", "file", cfg.Cluster.MachinesFile, "machines", added)
	}

	client := cluster.NewClient(o.httpClient, cfg.Cluster.StatusTimeout, cfg.Cluster.SendTimeout)
	c.monitor = cluster.NewMonitor(c.registry, client, cfg.Cluster.Monitor)
	c.monitor.OnCheck(c.metrics.UpdateMachines)

	d, err := cluster.NewDispatcher(c.registry, client, c, cfg.Cluster.Dispatch)
	if err != nil {
		return err
	}
	d.OnResult(c.metrics.RecordDispatch)
	c.dispatcher = d
	return nil
}

func (c *Controller) buildServers() {
	cfg := c.cfg
	deps := api.Deps{
		NodeID:     cfg.NodeID,
		Store:      c.store,
		Queue:      c.queue,
		Local:      c,
		Dispatcher: c.dispatcher,
		Monitor:    c.monitor,
		Storage:    api.StorageInfo{Backend: c.db.Name(), Fallback: c.selection.Fallback},
		Ping:       c.db.Ping,
		Metrics:    c.metrics.Handler(),
		Recorder:   c.metrics,
	}
	if c.processor != nil {
		deps.Admission = c.resource
		deps.Processor = c.processor
	}
	c.api = api.New(cfg.APIAddr, deps, cfg.Debug)

	if cfg.Role == RoleWorker {
		c.intake = intake.New(intake.Deps{
			NodeID:    cfg.NodeID,
			Capacity:  cfg.Processor.Slots,
			Local:     c,
			Store:     c.store,
			Queue:     c.queue,
			Admission: c.resource,
			Active:    c.processor.Active,
		})
	}

	if cfg.GRPCAddr != "" {
		c.health = health.NewServer()
		c.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(c.grpc, c.health)
	}
}

// SubmitLocal 在本地儲存建立任務；API、intake 與 hybrid 分派共用
func (c *Controller) SubmitLocal(ctx context.Context, d cluster.TaskDescriptor) (types.TaskID, error) {
	id, err := c.store.Create(ctx, taskstore.CreateRequest{
		Source:   d.Source,
		Priority: d.Priority,
		Metadata: d.Metadata,
	})
	if err == nil {
		c.metrics.RecordCreated(d.Priority)
	}
	return id, err
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 執行啟動修復並啟動所有背景循環與端點
//
// 啟動順序：
//  1. Reconciler.RunOnce: 重新排入崩潰前遺留的任務
//  2. 背景循環（monitor、reconciler、metrics）
//  3. Processor 與 Reaper
//  4. 對外端點
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	if c.reconciler != nil {
		rep, err := c.reconciler.RunOnce(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		log.Info("Startup reconciliation finished", "report", rep)
	}

	// gRPC 先綁定位址，失敗時尚未啟動任何 goroutine
	var lis net.Listener
	if c.grpc != nil {
		var err error
		if lis, err = net.Listen("tcp", c.cfg.GRPCAddr); err != nil {
			cancel()
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	if c.resource != nil {
		g.Go(func() error { c.resource.Start(gctx); return nil })
	}
	if c.monitor != nil {
		g.Go(func() error { c.monitor.Start(gctx); return nil })
	}
	if c.reconciler != nil {
		g.Go(func() error { c.reconciler.Run(gctx); return nil })
	}
	g.Go(func() error { c.drainAnomalies(gctx); return nil })
	g.Go(func() error { c.observe(gctx); return nil })

	if c.processor != nil {
		if err := c.processor.Start(); err != nil {
			cancel()
			return err
		}
		if err := c.reaper.Start(); err != nil {
			cancel()
			_ = c.processor.Stop(context.Background())
			return err
		}
	}

	if c.cfg.APIAddr != "" {
		g.Go(c.api.ListenAndServe)
	}
	if c.intake != nil && c.cfg.IntakeAddr != "" {
		g.Go(func() error { return c.intake.Start(c.cfg.IntakeAddr) })
	}
	if lis != nil {
		c.grpcLis = lis.Addr()
		log.Info("gRPC health listening", "addr", lis.Addr().String())
		g.Go(func() error { return c.grpc.Serve(lis) })
	}

	c.cancel = cancel
	c.group = g
	c.done = gctx.Done()
	c.started = true
	log.Info("Controller started", "role", c.cfg.Role)
	return nil
}

// Done 在背景循環結束（Stop 或任一端點失敗）時關閉
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Stop 依序關閉所有組件；ctx 限制 Processor 排空與端點關閉的時間
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Controller stopping")
	var errs []error

	if c.health != nil {
		c.health.Shutdown()
	}
	if c.cfg.APIAddr != "" {
		if err := c.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if c.intake != nil && c.cfg.IntakeAddr != "" {
		if err := c.intake.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("intake shutdown: %w", err))
		}
	}

	if c.processor != nil {
		if err := c.processor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("processor stop: %w", err))
		}
		c.reaper.Stop(ctx)
	}

	if c.grpc != nil {
		c.grpc.GracefulStop()
	}
	c.cancel()
	if err := c.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	log.Info("Controller stopped")
	return errors.Join(errs...)
}

// ============================================================================
// 背景循環
// ============================================================================

// drainAnomalies 將任務儲存回報的異常計入 metrics
func (c *Controller) drainAnomalies(ctx context.Context) {
	anomalies := c.store.Anomalies()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-anomalies:
			c.metrics.RecordAnomaly()
			log.Debug("Anomaly recorded", "taskID", a.TaskID, "at", a.At)
		}
	}
}

// observe 週期更新 gauge 與 gRPC 健康狀態
func (c *Controller) observe(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Controller) refresh(ctx context.Context) {
	if d, err := c.queue.Depths(ctx); err == nil {
		c.metrics.UpdateDepths(d)
	} else if ctx.Err() == nil {
		log.Warn("Failed to read lane depths", "error", err)
	}
	if c.processor != nil {
		c.metrics.SetActive(c.processor.Active())
	}
	if c.health != nil {
		c.updateHealth(ctx)
	}
}

// updateHealth 整體狀態跟隨儲存連線，intake 服務另外跟隨准入判決
func (c *Controller) updateHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.Storage.PingTimeout)
	defer cancel()

	overall := healthpb.HealthCheckResponse_SERVING
	if err := c.db.Ping(pingCtx); err != nil {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.health.SetServingStatus("", overall)

	intakeStatus := healthpb.HealthCheckResponse_NOT_SERVING
	if overall == healthpb.HealthCheckResponse_SERVING && c.resource != nil && c.resource.Verdict().Accept {
		intakeStatus = healthpb.HealthCheckResponse_SERVING
	}
	c.health.SetServingStatus(IntakeHealthService, intakeStatus)
}

// ============================================================================
// 存取器
// ============================================================================

func (c *Controller) Role() Role                      { return c.cfg.Role }
func (c *Controller) Store() *taskstore.Store         { return c.store }
func (c *Controller) Queue() *queue.Queue             { return c.queue }
func (c *Controller) Processor() *processor.Processor { return c.processor }
func (c *Controller) Dispatcher() *cluster.Dispatcher { return c.dispatcher }
func (c *Controller) Monitor() *cluster.Monitor       { return c.monitor }
func (c *Controller) Storage() *storage.Selection     { return c.selection }

// GRPCAddr gRPC health 實際監聽的位址；未啟動或未設定時為空字串
func (c *Controller) GRPCAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grpcLis == nil {
		return ""
	}
	return c.grpcLis.String()
}

// APIHandler API 路由（測試與內嵌使用）
func (c *Controller) APIHandler() http.Handler { return c.api.Handler() }

// IntakeHandler intake 路由；非 worker 角色為 nil
func (c *Controller) IntakeHandler() http.Handler {
	if c.intake == nil {
		return nil
	}
	return c.intake.Handler()
}
