// Package api serves the coordinator HTTP API.
//
// Routes:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/stats
//	POST /api/dispatch
//	GET  /api/cluster/status
//	POST /api/cluster/check
//	GET  /api/tasks
//	POST /api/tasks
//	GET  /api/tasks/{id}
//	POST /api/tasks/{id}/requeue
//
// Dispatch and cluster routes are only mounted when the node has a
// dispatcher and a cluster monitor.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
)

var log = slog.Default()

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 60 * time.Second // dispatch may try two machines at 30s each
)

// Route paths.
const (
	PathHealth        = "/healthz"
	PathMetrics       = "/metrics"
	PathStats         = "/api/stats"
	PathDispatch      = "/api/dispatch"
	PathClusterStatus = "/api/cluster/status"
	PathClusterCheck  = "/api/cluster/check"
	PathTasks         = "/api/tasks"
	PathTask          = "/api/tasks/{id}"
	PathRequeue       = "/api/tasks/{id}/requeue"
)

// StorageInfo names the backend chosen at startup.
type StorageInfo struct {
	Backend  string `json:"backend"`
	Fallback bool   `json:"fallback"`
}

// StatsSource exposes processor counters.
type StatsSource interface {
	Stats() processor.Counters
}

// Recorder receives API-originated events.
type Recorder interface {
	RecordRequeued()
}

// Deps are the components the API reads from. Store, Queue and Local are
// required; the rest are optional.
type Deps struct {
	NodeID     string
	Store      *taskstore.Store
	Queue      *queue.Queue
	Local      cluster.LocalSubmitter
	Dispatcher *cluster.Dispatcher
	Monitor    *cluster.Monitor
	Admission  processor.Admission
	Processor  StatsSource
	Storage    StorageInfo
	Ping       func(ctx context.Context) error
	Metrics    http.Handler
	Recorder   Recorder
}

type Server struct {
	deps       Deps
	router     *mux.Router
	httpserver *http.Server
}

// New builds the router. Debug adds per-request logging.
func New(addr string, deps Deps, debug bool) *Server {
	s := &Server{deps: deps}

	router := mux.NewRouter()
	router.HandleFunc(PathHealth, s.Health).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle(PathMetrics, deps.Metrics).Methods(http.MethodGet)
	}
	router.HandleFunc(PathStats, s.Stats).Methods(http.MethodGet)
	router.HandleFunc(PathTasks, s.Tasks).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc(PathTask, s.GetTask).Methods(http.MethodGet)
	router.HandleFunc(PathRequeue, s.Requeue).Methods(http.MethodPost)
	if deps.Dispatcher != nil {
		router.HandleFunc(PathDispatch, s.Dispatch).Methods(http.MethodPost)
	}
	if deps.Monitor != nil {
		router.HandleFunc(PathClusterStatus, s.ClusterStatus).Methods(http.MethodGet)
		router.HandleFunc(PathClusterCheck, s.ClusterCheck).Methods(http.MethodPost)
	}
	if debug {
		router.Use(loggingMiddleware)
	}
	s.router = router

	s.httpserver = &http.Server{
		Handler:      router,
		Addr:         addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info("API listening", "addr", s.httpserver.Addr)
	if err := s.httpserver.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpserver.Shutdown(ctx)
}

// loggingMiddleware logs every request at debug level.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("API request", "method", r.Method, "uri", r.RequestURI, "took", time.Since(start))
	})
}
