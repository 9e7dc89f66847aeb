package controller

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/backoff"
	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/executor"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
)

// Role 節點角色
type Role string

const (
	RoleStandalone  Role = "standalone"  // 本地佇列 + 處理器，無叢集
	RoleCoordinator Role = "coordinator" // 叢集監控 + 分派；hybrid / local 模式同時處理本地任務
	RoleWorker      Role = "worker"      // 處理器 + intake 端點
)

// ParseRole 解析角色；空字串為 standalone
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case "":
		return RoleStandalone, nil
	case RoleStandalone, RoleCoordinator, RoleWorker:
		return r, nil
	}
	return "", fmt.Errorf("unknown mode %q (want standalone, coordinator or worker)", s)
}

// 儲存後端名稱
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendLocal  = "local"
)

// StorageConfig 儲存後端設定
type StorageConfig struct {
	Backend       string        // redis | sqlite | local
	Fallback      string        // redis 無法連線時改用：local | sqlite
	Namespace     string        // 鍵前綴
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	LocalDir      string
	PingTimeout   time.Duration
	RetryAttempts int
}

// ClusterConfig 叢集設定（僅 coordinator 使用）
type ClusterConfig struct {
	MachinesFile  string
	Monitor       cluster.MonitorConfig
	Dispatch      cluster.DispatcherConfig
	StatusTimeout time.Duration
	SendTimeout   time.Duration
}

// Config 控制器設定
type Config struct {
	Role    Role
	NodeID  string
	Storage StorageConfig

	// 任務儲存
	MaxAttempts     int
	Dedup           bool
	UrgentPerSecond float64
	UrgentBurst     int

	Processor processor.Config
	Resource  resource.Config
	ProcMount string // 空字串使用 /proc

	// reconciliation
	StaleAfter        time.Duration
	ReconcileInterval time.Duration

	Cleanup  processor.ReaperConfig
	Cluster  ClusterConfig
	Executor executor.Config

	// 對外端點；空字串表示不監聽
	APIAddr    string
	IntakeAddr string
	GRPCAddr   string
	Debug      bool

	MetricsInterval time.Duration // lane 深度等 gauge 的更新間隔
	ShutdownTimeout time.Duration
}

// ApplyDefaults 補齊預設值
func (c *Config) ApplyDefaults() {
	if c.Role == "" {
		c.Role = RoleStandalone
	}
	if c.NodeID == "" {
		c.NodeID = "mediaqueue"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Storage.Fallback == "" {
		c.Storage.Fallback = BackendLocal
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = "mediaqueue"
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.LocalDir, "mediaqueue.db")
	}
	if c.Storage.RedisAddr == "" {
		c.Storage.RedisAddr = "localhost:6379"
	}
	if c.Storage.PingTimeout <= 0 {
		c.Storage.PingTimeout = 2 * time.Second
	}
	if c.Storage.RetryAttempts <= 0 {
		c.Storage.RetryAttempts = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Processor.NodeID == "" {
		c.Processor.NodeID = c.NodeID
	}
	if c.Processor.MaxAttempts <= 0 {
		c.Processor.MaxAttempts = c.MaxAttempts
	}
	if c.Processor.Slots <= 0 {
		c.Processor.Slots = 2
	}
	// slot 數是併發的硬上限，准入的併發檢查以它為準
	if c.Resource.Thresholds.MaxConcurrent <= 0 {
		c.Resource.Thresholds.MaxConcurrent = c.Processor.Slots
	}
	if c.Processor.StageTimeout <= 0 {
		c.Processor.StageTimeout = 30 * time.Minute
	}
	if c.Processor.Backoff == nil {
		c.Processor.Backoff = backoff.Default()
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.Cluster.Dispatch.Mode == "" {
		c.Cluster.Dispatch.Mode = cluster.ModeHybrid
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Validate 檢查設定是否自洽；呼叫前應先 ApplyDefaults
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseRole(string(c.Role)); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case BackendRedis, BackendSQLite, BackendLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Storage.Fallback {
	case BackendSQLite, BackendLocal:
	default:
		errs = append(errs, fmt.Errorf("storage fallback must be local or sqlite, got %q", c.Storage.Fallback))
	}
	// 執行中的階段更新時間不會超過 StageTimeout，過期門檻必須更長
	if c.StaleAfter <= c.Processor.StageTimeout {
		errs = append(errs, fmt.Errorf("stale_after (%s) must exceed the stage timeout (%s)", c.StaleAfter, c.Processor.StageTimeout))
	}
	if c.Role == RoleCoordinator {
		if _, err := cluster.ParseMode(string(c.Cluster.Dispatch.Mode)); err != nil {
			errs = append(errs, err)
		}
		if c.Cluster.MachinesFile == "" && c.Cluster.Dispatch.Mode == cluster.ModeCluster {
			errs = append(errs, errors.New("cluster dispatch mode needs a machines file"))
		}
	}
	if c.runsProcessor() && c.Executor.Sink == "" {
		errs = append(errs, errors.New("executor sink is required on nodes that process tasks"))
	}
	if c.Resource.Thresholds.MaxConcurrent > c.Processor.Slots {
		errs = append(errs, fmt.Errorf("resource max_concurrent (%d) cannot exceed processor slots (%d)",
			c.Resource.Thresholds.MaxConcurrent, c.Processor.Slots))
	}
	return errors.Join(errs...)
}

// runsProcessor 此節點是否執行本地任務
func (c *Config) runsProcessor() bool {
	if c.Role != RoleCoordinator {
		return true
	}
	return c.Cluster.Dispatch.Mode != cluster.ModeCluster
}
