// ============================================================================
// mediaqueue 工作節點入口
// ============================================================================
//
// Package: internal/intake
// 文件: intake.go
// 功能: 叢集中工作節點對協調者暴露的 HTTP 端點
//
//   GET  /status  回報忙碌狀態、執行中任務數、容量、佇列長度與准入判決
//   POST /tasks   在本地建立任務；准入拒絕時回 503 並附 Retry-After
//
// 重複來源的任務視為已接受（回傳既有 task_id），協調者重送不會產生第二筆任務。
//
// ============================================================================

package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

var log = slog.Default()

// throttleRetryAfter URGENT 節流時建議的重送間隔（秒）
const throttleRetryAfter = 1

// Deps 入口依賴；Admission 為 nil 時永遠接受
type Deps struct {
	NodeID    string
	Capacity  int // slot 數
	Local     cluster.LocalSubmitter
	Store     *taskstore.Store // 查詢重複任務的階段，可為 nil
	Queue     *queue.Queue
	Admission processor.Admission
	Active    func() int
}

// Server 工作節點入口
type Server struct {
	deps Deps
	e    *echo.Echo
}

// New 建立入口
func New(deps Deps) *Server {
	if deps.Active == nil {
		deps.Active = func() int { return 0 }
	}
	s := &Server{deps: deps}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = numberSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("Intake request", "method", v.Method, "uri", v.URI, "status", v.Status, "took", v.Latency)
			return nil
		},
	}))

	e.GET(cluster.StatusPath, s.Status)
	e.POST(cluster.TasksPath, s.Submit)
	s.e = e
	return s
}

// numberSerializer 解碼時保留 json.Number，metadata 中的大整數不經 float64
type numberSerializer struct {
	echo.DefaultJSONSerializer
}

func (numberSerializer) Deserialize(c echo.Context, i interface{}) error {
	d := json.NewDecoder(c.Request().Body)
	d.UseNumber()
	if err := d.Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}

// Handler 回傳 echo 實例（測試用）
func (s *Server) Handler() http.Handler { return s.e }

// Start 監聽直到 Shutdown
func (s *Server) Start(addr string) error {
	log.Info("Intake listening", "addr", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Status 回報節點狀態
func (s *Server) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status(c.Request().Context()))
}

func (s *Server) status(ctx context.Context) cluster.WorkerStatus {
	active := s.deps.Active()
	st := cluster.WorkerStatus{
		NodeID:       s.deps.NodeID,
		CurrentTasks: active,
		Capacity:     s.deps.Capacity,
		Accepting:    true,
	}
	if s.deps.Queue != nil {
		if d, err := s.deps.Queue.Depths(ctx); err == nil {
			st.QueueSize = int(d.Total())
		} else {
			log.Warn("Failed to read queue depths", "error", err)
		}
	}
	if s.deps.Admission != nil {
		v := s.deps.Admission.Verdict()
		st.Accepting = v.Accept
		st.Reason = string(v.Reason)
		if !v.Accept {
			st.RetryAfter = retrySeconds(v.RetryAfter)
		}
	}
	st.Busy = !st.Accepting || (st.Capacity > 0 && active >= st.Capacity)
	return st
}

// Submit 建立本地任務
func (s *Server) Submit(c echo.Context) error {
	var desc cluster.TaskDescriptor
	if err := c.Bind(&desc); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := desc.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if s.deps.Admission != nil {
		if v := s.deps.Admission.Verdict(); !v.Accept {
			secs := retrySeconds(v.RetryAfter)
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"error":               "node busy",
				"reason":              string(v.Reason),
				"retry_after_seconds": secs,
			})
		}
	}

	ctx := c.Request().Context()
	id, err := s.deps.Local.SubmitLocal(ctx, desc)
	switch {
	case errors.Is(err, taskstore.ErrDuplicateTask):
		log.Info("Duplicate task accepted", "taskID", id)
		return c.JSON(http.StatusOK, cluster.IntakeResponse{TaskID: id, Stage: s.stageOf(ctx, id)})
	case errors.Is(err, taskstore.ErrThrottled):
		c.Response().Header().Set("Retry-After", strconv.Itoa(throttleRetryAfter))
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, taskstore.ErrStorage):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, taskstore.ErrMissingMetadata), errors.Is(err, taskstore.ErrInvalidMetadata), errors.Is(err, types.ErrInvalidSource):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		log.Error("Intake create failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, cluster.IntakeResponse{TaskID: id, Stage: types.StagePending})
}

// stageOf 讀取既有任務的階段；讀取失敗時只回傳 ID
func (s *Server) stageOf(ctx context.Context, id types.TaskID) types.Stage {
	if s.deps.Store == nil {
		return ""
	}
	task, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return ""
	}
	return task.Stage
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
