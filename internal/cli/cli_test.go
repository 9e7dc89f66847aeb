package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/api"
	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/controller"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "mediaqueue", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "submit", "status", "requeue", "machines"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/mediaqueue.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"), "Should have --server flag")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.Flags().Lookup("mode"), "Should have --mode flag")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand)
}

func TestRequeueCommandNeedsID(t *testing.T) {
	cmd := buildRequeueCommand()
	assert.Error(t, cmd.Args(cmd, nil))
	assert.NoError(t, cmd.Args(cmd, []string{"abc"}))
}

// ============================================================================
// Config
// ============================================================================

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, "mediaqueue.yaml", `
node:
  id: worker-7
  mode: worker
storage:
  backend: redis
  fallback: sqlite
  redis:
    addr: redis:6379
    db: 2
  ping_timeout: 500ms
queue:
  max_attempts: 5
  dedup: true
  urgent_per_second: 10
  urgent_burst: 20
processor:
  slots: 4
  stage_timeout: 10m
  stale_after: 1h
  backoff_initial: 2s
  backoff_max: 1m
resource:
  thresholds:
    cpu: 80
    memory: 85
cluster:
  machines_file: machines.txt
  mode: hybrid
  poll_interval: 15s
  offline_after: 2
api:
  addr: ":9000"
  grpc_addr: ":9001"
intake:
  addr: ":9002"
log:
  level: debug
  format: json
cleanup:
  schedule: "@daily"
  max_age: 72h
executor:
  work_dir: /tmp/mq
  sink: https://uploads.example.com
  command: ["ffmpeg", "-i", "{input}", "{output}"]
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-7", cfg.Node.ID)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.Equal(t, 500*time.Millisecond, cfg.Storage.PingTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Processor.StageTimeout)
	assert.Equal(t, 80.0, cfg.Resource.Thresholds.CPU)
	assert.Equal(t, 72*time.Hour, cfg.Cleanup.MaxAge)
	assert.Equal(t, []string{"ffmpeg", "-i", "{input}", "{output}"}, cfg.Executor.Command)

	cc := cfg.ControllerConfig()
	assert.Equal(t, controller.RoleWorker, cc.Role)
	assert.Equal(t, controller.BackendRedis, cc.Storage.Backend)
	assert.Equal(t, controller.BackendSQLite, cc.Storage.Fallback)
	assert.Equal(t, 5, cc.MaxAttempts)
	assert.Equal(t, 5, cc.Processor.MaxAttempts)
	assert.Equal(t, 4, cc.Processor.Slots)
	assert.NotNil(t, cc.Processor.Backoff)
	assert.Equal(t, cluster.ModeHybrid, cc.Cluster.Dispatch.Mode)
	assert.Equal(t, 2, cc.Cluster.Monitor.OfflineAfter)
	assert.Equal(t, ":9001", cc.GRPCAddr)
	assert.Equal(t, ":9002", cc.IntakeAddr)
	assert.Equal(t, "@daily", cc.Cleanup.Schedule)

	cfg.applyDefaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, "invalid.yaml", `
processor:
  slots: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")

	// 空文件應該能解析，但會有零值
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Processor.Slots)

	cfg.applyDefaults()
	assert.Equal(t, "standalone", cfg.Node.Mode)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Empty(t, cfg.Intake.Addr, "standalone nodes do not serve intake")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestApplyDefaults_WorkerIntake(t *testing.T) {
	var cfg Config
	cfg.Node.Mode = "worker"
	cfg.applyDefaults()
	assert.Equal(t, ":8081", cfg.Intake.Addr)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MEDIAQUEUE_MODE":          "coordinator",
		"MEDIAQUEUE_REDIS_ADDR":    "10.0.0.5:6379",
		"MEDIAQUEUE_REDIS_DB":      "3",
		"MEDIAQUEUE_DISPATCH_MODE": "cluster",
		"MEDIAQUEUE_LOG_LEVEL":     "",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	var cfg Config
	cfg.Log.Level = "warn"
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, "coordinator", cfg.Node.Mode)
	assert.Equal(t, "10.0.0.5:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, "cluster", cfg.Cluster.Mode)
	assert.Equal(t, "warn", cfg.Log.Level, "empty values do not override")

	env["MEDIAQUEUE_REDIS_DB"] = "three"
	err := cfg.applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIAQUEUE_REDIS_DB")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"bad mode", func(c *Config) { c.Node.Mode = "master" }, "unknown mode"},
		{"no sink", func(c *Config) { c.Executor.Sink = "" }, "sink"},
		{"stale too short", func(c *Config) {
			c.Processor.StageTimeout = time.Hour
			c.Processor.StaleAfter = time.Minute
		}, "stale_after"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.Executor.Sink = t.TempDir()
			tc.mutate(&cfg)
			cfg.applyDefaults()
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", "taskID", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "t1", line["taskID"])

	buf.Reset()
	logger, err = newLogger(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("dropped")
	assert.Empty(t, buf.String())

	_, err = newLogger(io.Discard, "verbose", "text")
	assert.Error(t, err)
}

// ============================================================================
// Client commands
// ============================================================================

func TestReadDescriptors(t *testing.T) {
	many, err := readDescriptors([]byte(`[{"source":{"path":"/a"}},{"source":{"path":"/b"}}]`))
	require.NoError(t, err)
	assert.Len(t, many, 2)

	one, err := readDescriptors([]byte(`{"source":{"path":"/a"}}`))
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = readDescriptors([]byte(`{"invalid json structure`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse job file")
}

func TestSubmitJobs(t *testing.T) {
	var received []cluster.TaskDescriptor
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.PathDispatch, func(w http.ResponseWriter, r *http.Request) {
		var d cluster.TaskDescriptor
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		received = append(received, d)
		w.Header().Set("Content-Type", "application/json")
		if d.Metadata == nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(cluster.DispatchResult{ErrorCode: cluster.CodeMissingRequiredFields})
			return
		}
		_ = json.NewEncoder(w).Encode(cluster.DispatchResult{Success: true, Machine: "http://w1:8081", TaskID: "t-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("all accepted", func(t *testing.T) {
		received = nil
		path := writeFile(t, "jobs.json", `[
			{"source":{"url":"https://cdn.example.com/a.mp4"},"priority":"high","metadata":{"post_id":"1"}},
			{"source":{"path":"/media/b.mov"},"metadata":{"post_id":"2"}}
		]`)
		var out bytes.Buffer
		require.NoError(t, submitJobs(context.Background(), newAPIClient(srv.URL+"/"), path, &out))
		assert.Len(t, received, 2)
		assert.Equal(t, "1", received[0].Metadata["post_id"])
		assert.Contains(t, out.String(), "sent to http://w1:8081 as t-1")
		assert.Contains(t, out.String(), "Submitted 2/2 jobs")
	})

	t.Run("partial failure", func(t *testing.T) {
		path := writeFile(t, "jobs.json", `[
			{"source":{"path":"/media/b.mov"},"metadata":{}},
			{"source":{"path":"/media/c.mov"}}
		]`)
		var out bytes.Buffer
		err := submitJobs(context.Background(), newAPIClient(srv.URL), path, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2 submissions failed")
		assert.Contains(t, out.String(), "MISSING_REQUIRED_FIELDS")
	})

	t.Run("missing file", func(t *testing.T) {
		err := submitJobs(context.Background(), newAPIClient(srv.URL), "/nonexistent/jobs.json", io.Discard)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read job file")
	})
}

func TestShowStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+api.PathStats, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{
			"node_id": "coord-1",
			"storage": {"backend": "local", "fallback": true},
			"tasks": {"pending": 2, "completed": 5, "failed": 1},
			"dispatch_mode": "hybrid",
			"dispatch": {"total_tasks_sent": 8, "successful_tasks": 7, "failed_tasks": 1, "local_tasks_queued": 2},
			"cluster": {"total": 3, "online": 2, "busy": 1, "idle": 1}
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), newAPIClient(srv.URL), &out))
	text := out.String()
	assert.Contains(t, text, "coord-1")
	assert.Contains(t, text, "local (fallback)")
	assert.Contains(t, text, "total        8")
	assert.Contains(t, text, "Dispatch (hybrid): sent 8")
	assert.Contains(t, text, "Cluster: 2/3 online, 1 busy")
}

func TestShowStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"storage unavailable"}`)
	}))
	defer srv.Close()

	err := showStatus(context.Background(), newAPIClient(srv.URL), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503 storage unavailable")
}

func TestRequeueTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/requeue", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "t-9" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"task not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"task_id":"t-9","stage":"pending","attempt_count":1}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, requeueTask(context.Background(), newAPIClient(srv.URL), "t-9", &out))
	assert.Contains(t, out.String(), "Task t-9 requeued (stage pending, attempt 1)")

	err := requeueTask(context.Background(), newAPIClient(srv.URL), "nope", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404 task not found")
}

func TestShowMachines(t *testing.T) {
	checked := false
	body := `{
		"monitoring_active": true,
		"machines": [
			{"url": "http://b:8081", "priority": 5, "is_online": false, "last_error": "connection refused"},
			{"url": "http://a:8081", "priority": 1, "is_online": true, "current_tasks": 1, "capacity": 2}
		],
		"totals": {"total": 2, "online": 1, "busy": 0, "idle": 1}
	}`
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+api.PathClusterStatus, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("POST "+api.PathClusterCheck, func(w http.ResponseWriter, r *http.Request) {
		checked = true
		_, _ = io.WriteString(w, body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, showMachines(context.Background(), newAPIClient(srv.URL), false, &out))
	assert.False(t, checked)
	text := out.String()
	assert.Less(t, bytes.Index(out.Bytes(), []byte("http://a:8081")), bytes.Index(out.Bytes(), []byte("http://b:8081")),
		"machines are listed by priority")
	assert.Contains(t, text, "offline")
	assert.Contains(t, text, "connection refused")
	assert.Contains(t, text, "2 machines, 1 online, 0 busy, 1 idle (monitor active: true)")

	require.NoError(t, showMachines(context.Background(), newAPIClient(srv.URL), true, io.Discard))
	assert.True(t, checked)
}
