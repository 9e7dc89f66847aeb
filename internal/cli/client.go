package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/api"
	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// apiClient talks to a running node's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends the request and decodes the JSON reply into out. Non-2xx replies
// are not errors here; callers check the returned status.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response (%d): %w", path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// getOK performs a GET that must return 200.
func (c *apiClient) getOK(ctx context.Context, path string, out any) error {
	var errBody struct {
		Error string `json:"error"`
	}
	raw := json.RawMessage{}
	code, err := c.do(ctx, http.MethodGet, path, nil, &raw)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		_ = json.Unmarshal(raw, &errBody)
		return fmt.Errorf("GET %s: %d %s", path, code, errBody.Error)
	}
	return json.Unmarshal(raw, out)
}

// ============================================================================
// submit
// ============================================================================

func submitJobs(ctx context.Context, c *apiClient, path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	jobs, err := readDescriptors(data)
	if err != nil {
		return err
	}

	failed := 0
	for i, job := range jobs {
		var res cluster.DispatchResult
		code, err := c.do(ctx, http.MethodPost, api.PathDispatch, job, &res)
		switch {
		case err != nil:
			failed++
			fprintf(w, "job %d: %v\n", i+1, err)
		case !res.Success:
			failed++
			fprintf(w, "job %d: rejected (%d %s) %s\n", i+1, code, res.ErrorCode, res.Error)
		case res.Local:
			fprintf(w, "job %d: queued locally as %s\n", i+1, res.TaskID)
		default:
			fprintf(w, "job %d: sent to %s as %s\n", i+1, res.Machine, res.TaskID)
		}
	}
	fprintf(w, "Submitted %d/%d jobs to %s\n", len(jobs)-failed, len(jobs), c.base)
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(jobs))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func showStatus(ctx context.Context, c *apiClient, w io.Writer) error {
	var st api.Stats
	if err := c.getOK(ctx, api.PathStats, &st); err != nil {
		return err
	}

	fprintf(w, "\n╔═══════════════════════════════════════════════════════════╗\n")
	fprintf(w, "║           mediaqueue Node Status                          ║\n")
	fprintf(w, "╚═══════════════════════════════════════════════════════════╝\n\n")

	fprintf(w, "Node:    %s\n", st.NodeID)
	storage := st.Storage.Backend
	if st.Storage.Fallback {
		storage += " (fallback)"
	}
	fprintf(w, "Storage: %s\n\n", storage)

	fprintf(w, "Tasks:\n")
	total := 0
	for _, stage := range types.AllStages {
		n := st.Tasks[stage]
		total += n
		fprintf(w, "  ├─ %-12s %d\n", stage, n)
	}
	fprintf(w, "  └─ %-12s %d\n\n", "total", total)

	fprintf(w, "Queue:    %d waiting\n", st.Queue.Total())
	if st.Admission != nil {
		state := "accepting"
		if !st.Admission.Accept {
			state = fmt.Sprintf("rejecting (%s, retry in %s)", st.Admission.Reason, st.Admission.RetryAfter)
		}
		fprintf(w, "Admission: %s  cpu %.1f%%  mem %.1f%%\n",
			state, st.Admission.Sample.CPU, st.Admission.Sample.Memory)
	}
	if st.Processor != nil {
		p := st.Processor
		fprintf(w, "Processor: active %d  completed %d  failed %d  retried %d\n",
			p.Active, p.Completed, p.Failed, p.Retried)
	}
	if st.Dispatch != nil {
		d := st.Dispatch
		fprintf(w, "Dispatch (%s): sent %d  ok %d  failed %d  local %d\n",
			st.DispatchMode, d.Sent, d.Succeeded, d.Failed, d.QueuedLocally)
	}
	if st.Cluster != nil {
		fprintf(w, "Cluster: %d/%d online, %d busy\n", st.Cluster.Online, st.Cluster.Total, st.Cluster.Busy)
	}
	fprintf(w, "\n═══════════════════════════════════════════════════════════\n")
	return nil
}

// ============================================================================
// requeue
// ============================================================================

func requeueTask(ctx context.Context, c *apiClient, id string, w io.Writer) error {
	path := strings.Replace(api.PathRequeue, "{id}", url.PathEscape(id), 1)
	var task types.Task
	raw := json.RawMessage{}
	code, err := c.do(ctx, http.MethodPost, path, []byte("{}"), &raw)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &body)
		return fmt.Errorf("requeue %s: %d %s", id, code, body.Error)
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return err
	}
	fprintf(w, "Task %s requeued (stage %s, attempt %d)\n", task.ID, task.Stage, task.Attempt)
	return nil
}

// ============================================================================
// machines
// ============================================================================

func showMachines(ctx context.Context, c *apiClient, check bool, w io.Writer) error {
	var st cluster.ClusterStatus
	if check {
		raw := json.RawMessage{}
		code, err := c.do(ctx, http.MethodPost, api.PathClusterCheck, []byte("{}"), &raw)
		if err != nil {
			return err
		}
		if code != http.StatusOK {
			return fmt.Errorf("cluster check: %d", code)
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
	} else if err := c.getOK(ctx, api.PathClusterStatus, &st); err != nil {
		return err
	}

	machines := st.Machines
	sort.SliceStable(machines, func(i, j int) bool { return machines[i].Priority < machines[j].Priority })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fprintf(tw, "URL\tPRIORITY\tSTATE\tTASKS\tRESPONSE\tLAST ERROR\n")
	for _, m := range machines {
		fprintf(tw, "%s\t%d\t%s\t%d/%d\t%s\t%s\n",
			m.URL, m.Priority, machineState(m), m.CurrentTasks, m.Capacity, m.ResponseTime, m.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fprintf(w, "\n%d machines, %d online, %d busy, %d idle (monitor active: %t)\n",
		st.Totals.Total, st.Totals.Online, st.Totals.Busy, st.Totals.Idle, st.Active)
	return nil
}

func machineState(m types.Machine) string {
	switch {
	case !m.IsOnline:
		return "offline"
	case m.IsBusy:
		return "busy"
	}
	return "idle"
}
