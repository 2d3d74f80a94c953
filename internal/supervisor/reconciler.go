package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Jobs is the slice of lifecycle.Manager the reconciler needs.
type Jobs interface {
	ListStale(ctx context.Context, filter store.StaleFilter) ([]*models.Job, error)
	Renumber(ctx context.Context) (int, error)
}

// Admitter performs the corrective actions. Implemented by
// admission.Controller.
type Admitter interface {
	Expire(ctx context.Context, jobID uuid.UUID) error
	RecoverOrphan(ctx context.Context, jobID uuid.UUID) error
	Promote(ctx context.Context) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	Renumbered int
	Expired    int
	Rearmed    int
	Recovered  int
	Promoted   int
}

// Reconciler periodically repairs state that timers and best-effort
// promotion can miss: stale queue positions, running jobs whose timer was
// lost, jobs stuck in pending, and free slots with work waiting.
type Reconciler struct {
	jobs     Jobs
	admitter Admitter
	sup      *Supervisor
	queue    config.QueueConfig
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewReconciler(jobs Jobs, admitter Admitter, sup *Supervisor, queue config.QueueConfig) *Reconciler {
	return &Reconciler{
		jobs:     jobs,
		admitter: admitter,
		sup:      sup,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
		stop:     make(chan struct{}),
	}
}

// SetClock replaces the reconciler's time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Start runs one sweep immediately and then every ReconcileInterval until
// ctx is done or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
	slog.Info("reconciler started", "interval", r.queue.ReconcileInterval)
}

// Stop waits for the current sweep to finish.
func (r *Reconciler) Stop() {
	close(r.stop)
	r.wg.Wait()
	slog.Info("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	interval := r.queue.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	rep, err := r.Sweep(ctx)
	if err != nil {
		slog.Error("reconcile sweep failed", "error", err)
		return
	}
	if rep != (Report{}) {
		slog.Info("reconcile sweep",
			"renumbered", rep.Renumbered,
			"expired", rep.Expired,
			"rearmed", rep.Rearmed,
			"recovered", rep.Recovered,
			"promoted", rep.Promoted,
		)
	}
}

// Sweep runs every repair step once. A failing job is logged and skipped;
// only listing failures abort the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := r.now()

	n, err := r.jobs.Renumber(ctx)
	if err != nil {
		return rep, err
	}
	rep.Renumbered = n

	running, err := r.jobs.ListStale(ctx, store.StaleFilter{
		Status: models.JobStatusRunning,
		Before: now,
	})
	if err != nil {
		return rep, err
	}
	for _, job := range running {
		if job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(r.queue.TimeoutFor(job.Tool))
		if !deadline.After(now) {
			r.sup.Stop(job.ID)
			if err := r.admitter.Expire(ctx, job.ID); err != nil {
				slog.Warn("expire stale job failed", "job_id", job.ID, "error", err)
				continue
			}
			rep.Expired++
			continue
		}
		if !r.sup.Has(job.ID) {
			r.sup.ScheduleAfter(job.ID, deadline.Sub(now))
			rep.Rearmed++
		}
	}

	// Pending is transient; anything idle past the grace period was
	// abandoned mid-admission or mid-promotion.
	orphans, err := r.jobs.ListStale(ctx, store.StaleFilter{
		Status: models.JobStatusPending,
		Before: now.Add(-r.queue.OrphanGrace),
	})
	if err != nil {
		return rep, err
	}
	for _, job := range orphans {
		if err := r.admitter.RecoverOrphan(ctx, job.ID); err != nil {
			slog.Warn("recover orphan failed", "job_id", job.ID, "error", err)
			continue
		}
		rep.Recovered++
	}

	promoted, err := r.admitter.Promote(ctx)
	if err != nil {
		return rep, err
	}
	rep.Promoted = promoted
	return rep, nil
}
