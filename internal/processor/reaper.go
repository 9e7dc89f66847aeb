package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// ReaperConfig controls the cleanup schedule.
type ReaperConfig struct {
	Schedule string        // cron spec, default "@every 1h"
	MaxAge   time.Duration // terminal tasks older than this are deleted, default 7 days
}

// ReapReport summarises one cleanup pass.
type ReapReport struct {
	Expired int `json:"expired"`
	Corrupt int `json:"corrupt"`
	Errors  int `json:"errors"`
}

// Reaper deletes finished tasks past their retention and purges records that
// cannot be decoded or lost their metadata.
type Reaper struct {
	store *taskstore.Store
	cfg   ReaperConfig
	now   func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	last ReapReport
}

// NewReaper creates a reaper. Call Start to schedule it.
func NewReaper(store *taskstore.Store, cfg ReaperConfig) *Reaper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	return &Reaper{store: store, cfg: cfg, now: time.Now}
}

// Start registers the cleanup job and starts the scheduler.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			log.Error("Cleanup pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c
	log.Info("Cleanup scheduled", "schedule", r.cfg.Schedule, "max_age", r.cfg.MaxAge)
	return nil
}

// Stop stops the scheduler and waits for a running pass, bounded by ctx.
func (r *Reaper) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Last returns the most recent report.
func (r *Reaper) Last() ReapReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunOnce performs one cleanup pass.
func (r *Reaper) RunOnce(ctx context.Context) (ReapReport, error) {
	var rep ReapReport
	res, err := r.store.List(ctx, taskstore.Filter{
		Stages:       []types.Stage{types.StageCompleted, types.StageFailed},
		UpdatedUntil: r.now().Add(-r.cfg.MaxAge),
	})
	if err != nil {
		return rep, err
	}

	for _, t := range res.Tasks {
		if err := r.store.Delete(ctx, t.ID); err != nil {
			rep.Errors++
			log.Error("Failed to delete expired task", "taskID", t.ID, "error", err)
			continue
		}
		rep.Expired++
	}
	for _, id := range res.Corrupt {
		if err := r.store.Delete(ctx, id); err != nil {
			rep.Errors++
			log.Error("Failed to purge corrupt task record", "taskID", id, "error", err)
			continue
		}
		rep.Corrupt++
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	if rep.Expired+rep.Corrupt > 0 {
		log.Info("Cleanup pass finished", "expired", rep.Expired, "corrupt", rep.Corrupt, "errors", rep.Errors)
	}
	return rep, nil
}
