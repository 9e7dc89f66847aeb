package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/queue"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// Stats is the body of GET /api/stats.
type Stats struct {
	NodeID       string                    `json:"node_id"`
	Storage      StorageInfo               `json:"storage"`
	Queue        queue.Depths              `json:"queue"`
	Tasks        map[types.Stage]int       `json:"tasks"`
	Admission    *resource.Verdict         `json:"admission,omitempty"`
	Processor    *processor.Counters       `json:"processor,omitempty"`
	DispatchMode cluster.Mode              `json:"dispatch_mode,omitempty"`
	Dispatch     *cluster.DispatchCounters `json:"dispatch,omitempty"`
	Cluster      *cluster.Totals           `json:"cluster,omitempty"`
}

// CreateResponse is the body of POST /api/tasks. On a duplicate it carries
// the existing task id alongside the error.
type CreateResponse struct {
	TaskID types.TaskID `json:"task_id,omitempty"`
	Stage  types.Stage  `json:"stage,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"ok": true, "backend": s.deps.Storage.Backend}
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			body["ok"] = false
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depths, err := s.deps.Queue.Depths(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.deps.Store.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	out := Stats{
		NodeID:  s.deps.NodeID,
		Storage: s.deps.Storage,
		Queue:   depths,
		Tasks:   counts,
	}
	if s.deps.Admission != nil {
		v := s.deps.Admission.Verdict()
		out.Admission = &v
	}
	if s.deps.Processor != nil {
		c := s.deps.Processor.Stats()
		out.Processor = &c
	}
	if s.deps.Dispatcher != nil {
		c := s.deps.Dispatcher.Counters()
		out.Dispatch = &c
		out.DispatchMode = s.deps.Dispatcher.Mode()
	}
	if s.deps.Monitor != nil {
		t := s.deps.Monitor.Status().Totals
		out.Cluster = &t
	}
	writeJSON(w, http.StatusOK, out)
}

// Dispatch submits a job through the dispatcher. The status code follows the
// result: 400 for a bad descriptor, 503 when nothing could take the job, 502
// when a machine was tried and failed.
func (s *Server) Dispatch(w http.ResponseWriter, r *http.Request) {
	var desc cluster.TaskDescriptor
	if err := unmarshalJson(r, &desc); err != nil {
		writeJSON(w, http.StatusBadRequest, cluster.DispatchResult{
			ErrorCode: cluster.CodeMissingRequiredFields,
			Error:     err.Error(),
		})
		return
	}
	res := s.deps.Dispatcher.Submit(r.Context(), desc)
	writeJSON(w, dispatchStatus(res), res)
}

func dispatchStatus(res cluster.DispatchResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorCode {
	case cluster.CodeMissingRequiredFields:
		return http.StatusBadRequest
	case cluster.CodeNoAvailableMachines, cluster.CodeLocalEnqueueFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

// ClusterCheck polls every machine now instead of waiting for the next tick.
func (s *Server) ClusterCheck(w http.ResponseWriter, r *http.Request) {
	s.deps.Monitor.CheckAll(r.Context())
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

func (s *Server) Tasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := unmarshalFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	res, err := s.deps.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks := res.Tasks
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var desc cluster.TaskDescriptor
	if err := unmarshalJson(r, &desc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if err := desc.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	id, err := s.deps.Local.SubmitLocal(r.Context(), desc)
	if errors.Is(err, taskstore.ErrDuplicateTask) {
		writeJSON(w, http.StatusConflict, CreateResponse{TaskID: id, Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{TaskID: id, Stage: types.StagePending})
}

func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(mux.Vars(r)["id"])
	task, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Requeue moves a failed task back to pending.
func (s *Server) Requeue(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(mux.Vars(r)["id"])
	task, err := s.deps.Store.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordRequeued()
	}
	writeJSON(w, http.StatusOK, task)
}

func unmarshalFilter(r *http.Request) (taskstore.Filter, error) {
	q := r.URL.Query()
	var f taskstore.Filter
	for _, raw := range q["stage"] {
		st, err := types.ParseStage(raw)
		if err != nil {
			return f, err
		}
		f.Stages = append(f.Stages, st)
	}
	if q.Has("limit") {
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit < 0 {
			return f, errors.New("bad limit")
		}
		f.Limit = limit
	}
	return f, nil
}
