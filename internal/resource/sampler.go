package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one reading of host load, in percent.
type Sample struct {
	CPU    float64   `json:"cpu_percent"`
	Memory float64   `json:"memory_percent"`
	Active int       `json:"active"` // stage executions in flight
	At     time.Time `json:"at"`
}

// Sampler reads host CPU and memory utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProcSampler reads /proc/stat and /proc/meminfo. CPU usage is the busy
// share of jiffies between two consecutive samples, so the first call
// reports 0% CPU.
type ProcSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
	primed    bool
}

// NewProcSampler opens procfs at mountPoint ("" means /proc).
func NewProcSampler(mountPoint string) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

func (p *ProcSampler) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	stat, err := p.fs.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return Sample{}, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	p.mu.Lock()
	var cpu float64
	if p.primed {
		dTotal := total - p.prevTotal
		if dTotal > 0 {
			cpu = (busy - p.prevBusy) / dTotal * 100
		}
	}
	p.prevBusy, p.prevTotal, p.primed = busy, total, true
	p.mu.Unlock()

	memPct, err := memoryPercent(mem)
	if err != nil {
		return Sample{}, err
	}
	return Sample{CPU: clampPercent(cpu), Memory: memPct, At: time.Now()}, nil
}

func memoryPercent(m procfs.Meminfo) (float64, error) {
	if m.MemTotal == nil || *m.MemTotal == 0 {
		return 0, errors.New("meminfo: MemTotal missing")
	}
	total := float64(*m.MemTotal)
	var avail float64
	switch {
	case m.MemAvailable != nil:
		avail = float64(*m.MemAvailable)
	case m.MemFree != nil:
		// kernels before 3.14 lack MemAvailable
		avail = float64(*m.MemFree)
		if m.Buffers != nil {
			avail += float64(*m.Buffers)
		}
		if m.Cached != nil {
			avail += float64(*m.Cached)
		}
	default:
		return 0, errors.New("meminfo: MemAvailable missing")
	}
	return clampPercent((1 - avail/total) * 100), nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// StaticSampler returns a fixed sample. Useful where /proc is unavailable.
type StaticSampler struct {
	Value Sample
}

func (s StaticSampler) Sample(context.Context) (Sample, error) {
	v := s.Value
	v.At = time.Now()
	return v, nil
}
