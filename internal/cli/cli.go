// ============================================================================
// mediaqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running a node and talking to a running one
//
// Command Structure:
//   mediaqueue                     # Root command
//   ├── run                        # Start a node
//   │   └── --mode                 # standalone | worker | coordinator
//   ├── submit                     # Submit jobs through a coordinator
//   │   └── --file, -f             # JSON file with one job or an array of jobs
//   ├── status                     # Node statistics (GET /api/stats)
//   ├── requeue <task-id>          # Move a failed task back to pending
//   ├── machines                   # Cluster status (coordinator only)
//   ├── --config, -c               # Config file (run)
//   └── --server, -s               # API base URL (client commands)
//
// Configuration:
//   YAML file (default: configs/mediaqueue.yaml), then a .env file if present,
//   then MEDIAQUEUE_* environment variables, then --mode.
//
// run Command:
//   1. Load config and install the slog handler (log.level / log.format)
//   2. Build the controller (storage selection happens here)
//   3. Start it and wait for SIGINT / SIGTERM or a server failure
//   4. Stop within shutdown_timeout: endpoints close, in-flight stages finish
//
//   Examples:
//     ./mediaqueue run
//     ./mediaqueue run --mode worker -c worker.yaml
//
// submit Command:
//   JSON format (same as POST /api/dispatch):
//   [
//     {
//       "source":   {"url": "https://cdn.example.com/a.mp4"},
//       "priority": "high",
//       "metadata": {"post_id": "123"}
//     }
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mediaqueue/internal/controller"
)

const (
	defaultConfigFile = "configs/mediaqueue.yaml"
	defaultServer     = "http://localhost:8080"
)

var (
	configFile string
	serverURL  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mediaqueue",
		Short: "mediaqueue: a distributed media task queue",
		Long: `mediaqueue moves media jobs through download, process and upload stages with:
- Priority lanes with crash-safe stage transitions
- Redis, SQLite or local WAL storage
- CPU and memory admission control
- Coordinator dispatch to a cluster of worker nodes`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("MEDIAQUEUE_SERVER", defaultServer), "API base URL for client commands")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildRequeueCommand())
	rootCmd.AddCommand(buildMachinesCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a mediaqueue node",
		Long:  "Start the node in standalone, worker, or coordinator mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepareConfig(configFile, mode)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runNode(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Node mode: standalone, worker, coordinator (overrides node.mode)")
	return cmd
}

// prepareConfig loads the file, applies .env and environment overrides and
// the mode flag, then validates.
func prepareConfig(path, mode string) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if mode != "" {
		cfg.Node.Mode = mode
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runNode(ctx context.Context, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Info("Starting mediaqueue", "mode", cfg.Node.Mode, "config", configFile)

	ctrl, err := controller.New(ctx, cfg.ControllerConfig())
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	slog.Info("System started successfully")

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		slog.Info("Received shutdown signal, stopping gracefully")
	case <-ctrl.Done():
		slog.Error("A component stopped unexpectedly, shutting down")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("System stopped")
	return nil
}

// ============================================================================
// Client commands
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		Long:  "Read job descriptors from a JSON file and submit each through POST /api/dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(cmd.Context(), newAPIClient(serverURL), jobFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job descriptors")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display queue depths, task counts, admission and dispatch statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), newAPIClient(serverURL), cmd.OutOrStdout())
		},
	}
}

func buildRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Requeue a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return requeueTask(cmd.Context(), newAPIClient(serverURL), args[0], cmd.OutOrStdout())
		},
	}
}

func buildMachinesCommand() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "machines",
		Short: "Show cluster machines",
		Long:  "Display every registered worker with its state, load and last error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showMachines(cmd.Context(), newAPIClient(serverURL), check, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "poll every machine now instead of showing the last result")
	return cmd
}

// readDescriptors accepts a single object or an array.
func readDescriptors(data []byte) ([]json.RawMessage, error) {
	var many []json.RawMessage
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one json.RawMessage
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return []json.RawMessage{one}, nil
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
