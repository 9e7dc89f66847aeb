package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mediaqueue/internal/backoff"
	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/controller"
	"github.com/ChuLiYu/mediaqueue/internal/executor"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
)

// Config represents the complete node configuration.
// Maps config file fields through YAML tags; zero values take the defaults
// applied by applyDefaults and controller.Config.ApplyDefaults.
type Config struct {
	Node struct {
		ID   string `yaml:"id"`
		Mode string `yaml:"mode"` // standalone | worker | coordinator
	} `yaml:"node"`

	Storage struct {
		Backend   string `yaml:"backend"`  // redis | sqlite | local
		Fallback  string `yaml:"fallback"` // local | sqlite
		Namespace string `yaml:"namespace"`
		Redis     struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		SQLitePath    string        `yaml:"sqlite_path"`
		LocalDir      string        `yaml:"local_dir"`
		PingTimeout   time.Duration `yaml:"ping_timeout"`
		RetryAttempts int           `yaml:"retry_attempts"`
	} `yaml:"storage"`

	Queue struct {
		MaxAttempts     int     `yaml:"max_attempts"`
		Dedup           bool    `yaml:"dedup"`
		UrgentPerSecond float64 `yaml:"urgent_per_second"`
		UrgentBurst     int     `yaml:"urgent_burst"`
	} `yaml:"queue"`

	Processor struct {
		Slots             int           `yaml:"slots"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		StageTimeout      time.Duration `yaml:"stage_timeout"`
		StaleAfter        time.Duration `yaml:"stale_after"`
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		BackoffInitial    time.Duration `yaml:"backoff_initial"`
		BackoffMax        time.Duration `yaml:"backoff_max"`
	} `yaml:"processor"`

	Resource struct {
		Thresholds resource.Thresholds `yaml:"thresholds"`
		Interval   time.Duration       `yaml:"interval"`
		MinRetry   time.Duration       `yaml:"min_retry"`
		MaxRetry   time.Duration       `yaml:"max_retry"`
		ProcMount  string              `yaml:"proc_mount"`
	} `yaml:"resource"`

	Cluster struct {
		MachinesFile        string        `yaml:"machines_file"`
		Mode                string        `yaml:"mode"` // cluster | local | hybrid
		PollInterval        time.Duration `yaml:"poll_interval"`
		OfflineAfter        int           `yaml:"offline_after"`
		Concurrency         int           `yaml:"concurrency"`
		MaxDispatchAttempts int           `yaml:"max_dispatch_attempts"`
		StatusTimeout       time.Duration `yaml:"status_timeout"`
		SendTimeout         time.Duration `yaml:"send_timeout"`
	} `yaml:"cluster"`

	API struct {
		Addr     string `yaml:"addr"`
		GRPCAddr string `yaml:"grpc_addr"` // gRPC health; empty disables it
		Debug    bool   `yaml:"debug"`
	} `yaml:"api"`

	Intake struct {
		Addr string `yaml:"addr"` // worker mode only
	} `yaml:"intake"`

	Metrics struct {
		Interval time.Duration `yaml:"interval"` // gauge refresh; served on the API at /metrics
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Cleanup struct {
		Schedule string        `yaml:"schedule"` // cron spec
		MaxAge   time.Duration `yaml:"max_age"`
	} `yaml:"cleanup"`

	Executor executor.Config `yaml:"executor"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in the listen addresses and logging. Component
// defaults live in controller.Config.ApplyDefaults.
func (c *Config) applyDefaults() {
	if c.Node.Mode == "" {
		c.Node.Mode = string(controller.RoleStandalone)
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Intake.Addr == "" && c.Node.Mode == string(controller.RoleWorker) {
		c.Intake.Addr = ":8081"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// envOverrides maps MEDIAQUEUE_* variables onto config fields.
var envOverrides = map[string]func(c *Config, v string) error{
	"MEDIAQUEUE_MODE":            func(c *Config, v string) error { c.Node.Mode = v; return nil },
	"MEDIAQUEUE_NODE_ID":         func(c *Config, v string) error { c.Node.ID = v; return nil },
	"MEDIAQUEUE_STORAGE_BACKEND": func(c *Config, v string) error { c.Storage.Backend = v; return nil },
	"MEDIAQUEUE_REDIS_ADDR":      func(c *Config, v string) error { c.Storage.Redis.Addr = v; return nil },
	"MEDIAQUEUE_REDIS_PASSWORD":  func(c *Config, v string) error { c.Storage.Redis.Password = v; return nil },
	"MEDIAQUEUE_REDIS_DB": func(c *Config, v string) error {
		db, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Storage.Redis.DB = db
		return nil
	},
	"MEDIAQUEUE_LOCAL_DIR":     func(c *Config, v string) error { c.Storage.LocalDir = v; return nil },
	"MEDIAQUEUE_API_ADDR":      func(c *Config, v string) error { c.API.Addr = v; return nil },
	"MEDIAQUEUE_INTAKE_ADDR":   func(c *Config, v string) error { c.Intake.Addr = v; return nil },
	"MEDIAQUEUE_MACHINES_FILE": func(c *Config, v string) error { c.Cluster.MachinesFile = v; return nil },
	"MEDIAQUEUE_DISPATCH_MODE": func(c *Config, v string) error { c.Cluster.Mode = v; return nil },
	"MEDIAQUEUE_EXECUTOR_SINK": func(c *Config, v string) error { c.Executor.Sink = v; return nil },
	"MEDIAQUEUE_LOG_LEVEL":     func(c *Config, v string) error { c.Log.Level = v; return nil },
}

// applyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for key, set := range envOverrides {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// ControllerConfig translates the file layout into the controller's config.
func (c *Config) ControllerConfig() controller.Config {
	cc := controller.Config{
		Role:   controller.Role(strings.ToLower(c.Node.Mode)),
		NodeID: c.Node.ID,
		Storage: controller.StorageConfig{
			Backend:       c.Storage.Backend,
			Fallback:      c.Storage.Fallback,
			Namespace:     c.Storage.Namespace,
			RedisAddr:     c.Storage.Redis.Addr,
			RedisPassword: c.Storage.Redis.Password,
			RedisDB:       c.Storage.Redis.DB,
			SQLitePath:    c.Storage.SQLitePath,
			LocalDir:      c.Storage.LocalDir,
			PingTimeout:   c.Storage.PingTimeout,
			RetryAttempts: c.Storage.RetryAttempts,
		},
		MaxAttempts:     c.Queue.MaxAttempts,
		Dedup:           c.Queue.Dedup,
		UrgentPerSecond: c.Queue.UrgentPerSecond,
		UrgentBurst:     c.Queue.UrgentBurst,
		Processor: processor.Config{
			Slots:        c.Processor.Slots,
			PollInterval: c.Processor.PollInterval,
			StageTimeout: c.Processor.StageTimeout,
			MaxAttempts:  c.Queue.MaxAttempts,
		},
		Resource: resource.Config{
			Thresholds: c.Resource.Thresholds,
			Interval:   c.Resource.Interval,
			MinRetry:   c.Resource.MinRetry,
			MaxRetry:   c.Resource.MaxRetry,
		},
		ProcMount:         c.Resource.ProcMount,
		StaleAfter:        c.Processor.StaleAfter,
		ReconcileInterval: c.Processor.ReconcileInterval,
		Cleanup: processor.ReaperConfig{
			Schedule: c.Cleanup.Schedule,
			MaxAge:   c.Cleanup.MaxAge,
		},
		Cluster: controller.ClusterConfig{
			MachinesFile: c.Cluster.MachinesFile,
			Monitor: cluster.MonitorConfig{
				Interval:     c.Cluster.PollInterval,
				OfflineAfter: c.Cluster.OfflineAfter,
				Concurrency:  c.Cluster.Concurrency,
			},
			Dispatch: cluster.DispatcherConfig{
				Mode:                cluster.Mode(strings.ToLower(c.Cluster.Mode)),
				MaxDispatchAttempts: c.Cluster.MaxDispatchAttempts,
			},
			StatusTimeout: c.Cluster.StatusTimeout,
			SendTimeout:   c.Cluster.SendTimeout,
		},
		Executor:        c.Executor,
		APIAddr:         c.API.Addr,
		IntakeAddr:      c.Intake.Addr,
		GRPCAddr:        c.API.GRPCAddr,
		Debug:           c.API.Debug,
		MetricsInterval: c.Metrics.Interval,
		ShutdownTimeout: c.ShutdownTimeout,
	}
	if c.Processor.BackoffInitial > 0 {
		ceiling := c.Processor.BackoffMax
		if ceiling < c.Processor.BackoffInitial {
			ceiling = 64 * c.Processor.BackoffInitial
		}
		cc.Processor.Backoff = backoff.NewExponential(c.Processor.BackoffInitial, ceiling)
	}
	return cc
}

// Validate checks the CLI-level fields and the resulting controller config.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format))
	}
	cc := c.ControllerConfig()
	cc.ApplyDefaults()
	if err := cc.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
