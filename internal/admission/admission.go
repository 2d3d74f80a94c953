// Package admission decides what happens to each submitted job: reject it,
// run it now, or park it in the FIFO queue until a slot frees up.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/cache"
	"github.com/kiranshivaraju/upscaler/internal/capacity"
	"github.com/kiranshivaraju/upscaler/internal/dispatch"
	"github.com/kiranshivaraju/upscaler/internal/lifecycle"
	"github.com/kiranshivaraju/upscaler/internal/ratelimit"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
	"golang.org/x/sync/singleflight"
)

var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrDuplicateJob   = errors.New("duplicate job")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotOwner       = errors.New("job belongs to another user")
	ErrJobFinished    = errors.New("job already finished")

	// errUncharged marks a run that stopped before credits moved, leaving
	// the job pending and uncharged.
	errUncharged = errors.New("job not charged")
)

const (
	queueStatusTTL   = 2 * time.Second
	promotionTimeout = 2 * time.Minute

	capacityFailedMessage = "Admission failed: capacity check unavailable"
	queueFailedMessage    = "Admission failed: could not queue job"
	chargeFailedMessage   = "Admission failed: could not charge credits"
)

// Request is one job submission.
type Request struct {
	JobID      uuid.UUID
	UserID     uuid.UUID
	PayloadRef string
	CreditCost int64
	Tool       models.Tool
}

func (r Request) validate() error {
	switch {
	case r.JobID == uuid.Nil:
		return fmt.Errorf("%w: jobId is required", ErrInvalidRequest)
	case r.UserID == uuid.Nil:
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	case r.PayloadRef == "":
		return fmt.Errorf("%w: payloadRef is required", ErrInvalidRequest)
	case r.CreditCost <= 0:
		return fmt.Errorf("%w: creditCost must be positive", ErrInvalidRequest)
	}
	if _, err := models.ParseTool(string(r.Tool)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Result is the outcome of an accepted submission. Exactly one of TaskID
// (dispatched) or Position (queued) is meaningful.
type Result struct {
	JobID    uuid.UUID
	Queued   bool
	Position int
	TaskID   string
}

// Scheduler arms and disarms per-job timeout timers.
type Scheduler interface {
	Schedule(jobID uuid.UUID, tool models.Tool)
	Stop(jobID uuid.UUID) bool
}

// Controller is the entry point for submissions, promotion and the
// cancellation paths.
type Controller struct {
	limiter    ratelimit.Limiter
	jobs       *lifecycle.Manager
	registry   *capacity.Registry
	dispatcher *dispatch.Dispatcher
	timers     Scheduler
	cache      cache.Cache

	promotions singleflight.Group
	inflight   sync.WaitGroup
}

// NewController wires the controller. c may be nil to disable the
// queue-status cache.
func NewController(limiter ratelimit.Limiter, jobs *lifecycle.Manager, registry *capacity.Registry, dispatcher *dispatch.Dispatcher, timers Scheduler, c cache.Cache) *Controller {
	return &Controller{
		limiter:    limiter,
		jobs:       jobs,
		registry:   registry,
		dispatcher: dispatcher,
		timers:     timers,
		cache:      c,
	}
}

// Admit runs a submission through rate limiting, capacity and either
// dispatch or queueing. A rate-limited request leaves no trace. While older
// jobs are waiting a new job never overtakes them: it is queued behind them
// even if a slot is free, and a promotion pass is started instead.
//
// Returned errors: ErrInvalidRequest, ErrRateLimited, ErrDuplicateJob,
// models.ErrInsufficientCredits (job failed, nothing charged) and
// *dispatch.Error (job failed and refunded).
func (c *Controller) Admit(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	allowed, err := c.limiter.Allow(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	job, err := c.jobs.Create(ctx, &models.Job{
		ID:         req.JobID,
		OwnerID:    req.UserID,
		Tool:       req.Tool,
		CreditCost: req.CreditCost,
		PayloadRef: req.PayloadRef,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil, ErrDuplicateJob
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	avail, err := c.registry.CheckAvailability(ctx)
	if err != nil {
		c.abandon(ctx, job.ID, capacityFailedMessage)
		return nil, err
	}

	waiting := 0
	if avail.Available {
		if waiting, err = c.registry.Queued(ctx); err != nil {
			c.abandon(ctx, job.ID, capacityFailedMessage)
			return nil, err
		}
	}

	if !avail.Available || waiting > 0 {
		queued, err := c.jobs.Enqueue(ctx, job.ID)
		if err != nil {
			c.abandon(ctx, job.ID, queueFailedMessage)
			return nil, err
		}
		if avail.Available {
			c.TriggerPromotion()
		}
		pos := 0
		if queued.Position != nil {
			pos = *queued.Position
		}
		return &Result{JobID: job.ID, Queued: true, Position: pos}, nil
	}

	taskID, err := c.run(ctx, job, avail.Account)
	if errors.Is(err, errUncharged) {
		c.abandon(ctx, job.ID, chargeFailedMessage)
	}
	if err != nil {
		return nil, err
	}
	return &Result{JobID: job.ID, TaskID: taskID}, nil
}

// abandon fails a fresh job that could be neither run nor queued, so it is
// not left pending.
func (c *Controller) abandon(ctx context.Context, jobID uuid.UUID, msg string) {
	if _, err := c.jobs.Fail(ctx, jobID, msg); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		slog.Error("fail abandoned job", "job_id", jobID, "error", err)
	}
}

// run charges a pending job, dispatches it on account and records the task.
// The charge always lands before the vendor call. Failures before the charge
// wrap errUncharged and leave the job pending for the caller to settle.
func (c *Controller) run(ctx context.Context, job *models.Job, accountName string) (string, error) {
	account, ok := c.registry.Account(accountName)
	if !ok {
		return "", fmt.Errorf("%w: unknown vendor account %q", errUncharged, accountName)
	}

	if _, err := c.jobs.Charge(ctx, job.ID); err != nil {
		if errors.Is(err, models.ErrInsufficientCredits) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", errUncharged, err)
	}

	taskID, err := c.dispatcher.Dispatch(ctx, job, account)
	if err != nil {
		slog.Warn("dispatch failed", "job_id", job.ID, "account", account.Name, "error", err)
		if _, ferr := c.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			slog.Error("fail job after dispatch error", "job_id", job.ID, "error", ferr)
		}
		return "", err
	}

	if _, err := c.jobs.StartRunning(ctx, job.ID, taskID, account.Name); err != nil {
		// Cancelled while the vendor call was in flight, or the write failed.
		// Either way nothing local tracks the task any more.
		c.cancelUpstream(ctx, account, taskID, job.ID)
		return "", err
	}

	c.timers.Schedule(job.ID, job.Tool)
	return taskID, nil
}

// Promote fills free slots from the head of the queue and returns how many
// jobs were dispatched. Concurrent calls share one pass.
func (c *Controller) Promote(ctx context.Context) (int, error) {
	v, err, _ := c.promotions.Do("promote", func() (interface{}, error) {
		return c.promote(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (c *Controller) promote(ctx context.Context) (int, error) {
	promoted := 0
	for {
		avail, err := c.registry.CheckAvailability(ctx)
		if err != nil {
			return promoted, err
		}
		if !avail.Available {
			return promoted, nil
		}

		job, err := c.jobs.ClaimNext(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return promoted, nil
		}
		if err != nil {
			return promoted, fmt.Errorf("claim queued job: %w", err)
		}

		if _, err := c.run(ctx, job, avail.Account); err != nil {
			if errors.Is(err, errUncharged) && !errors.Is(err, models.ErrInvalidTransition) {
				// Still pending: put it back at the head and stop until the
				// next trigger or sweep.
				if _, rerr := c.jobs.Requeue(ctx, job.ID); rerr != nil {
					slog.Error("requeue claimed job", "job_id", job.ID, "error", rerr)
				}
				return promoted, fmt.Errorf("promote job %s: %w", job.ID, err)
			}
			// Failed, refunded or cancelled by now; keep draining.
			slog.Info("promotion skipped job", "job_id", job.ID, "error", err)
			continue
		}
		promoted++
		slog.Info("job promoted", "job_id", job.ID, "account", avail.Account)
	}
}

// TriggerPromotion runs Promote in the background. Errors are logged; the
// reconciler retries on its next sweep.
func (c *Controller) TriggerPromotion() {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), promotionTimeout)
		defer cancel()
		if _, err := c.Promote(ctx); err != nil {
			slog.Warn("promotion failed", "error", err)
		}
	}()
}

// Wait blocks until background promotions finish.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Cancel is a user-initiated cancellation. Local state wins: the upstream
// cancel is attempted for running jobs but its outcome is ignored.
func (c *Controller) Cancel(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != userID {
		return nil, ErrNotOwner
	}
	if job.Status.IsTerminal() {
		return job, ErrJobFinished
	}

	freesSlot := job.Status == models.JobStatusRunning || job.Status == models.JobStatusPending
	if job.Status == models.JobStatusRunning {
		c.timers.Stop(job.ID)
		c.cancelJobUpstream(ctx, job)
	}

	cancelled, err := c.jobs.Cancel(ctx, jobID, lifecycle.ReasonUserCancelled)
	if errors.Is(err, models.ErrInvalidTransition) {
		// Finished concurrently.
		return nil, ErrJobFinished
	}
	if err != nil {
		return nil, err
	}
	if freesSlot {
		c.TriggerPromotion()
	}
	return cancelled, nil
}

// Expire is invoked when a job's timer fires. Terminal jobs are left alone.
func (c *Controller) Expire(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == models.JobStatusRunning {
		c.cancelJobUpstream(ctx, job)
	}
	if _, err := c.jobs.Cancel(ctx, jobID, lifecycle.ReasonTimeout); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	slog.Warn("job timed out", "job_id", jobID, "tool", job.Tool)
	c.TriggerPromotion()
	return nil
}

// RecoverOrphan settles a job left pending by an interrupted admission or
// promotion, typically because the process died:
//
//   - charged without a vendor task: failed and refunded
//   - claimed from the queue but never charged: requeued in its old place
//   - fresh and never charged: cancelled
//
// The reconciler only hands over jobs idle for longer than the grace period.
func (c *Controller) RecoverOrphan(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending || job.HasTask() {
		return nil
	}

	action := "failed"
	switch {
	case job.CreditsCharged:
		_, err = c.jobs.Fail(ctx, jobID, lifecycle.ReasonOrphanRecovery)
	case job.QueuedAt != nil:
		action = "requeued"
		_, err = c.jobs.Requeue(ctx, jobID)
	default:
		action = "cancelled"
		_, err = c.jobs.Cancel(ctx, jobID, lifecycle.ReasonAdmissionLost)
	}
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Warn("orphaned job recovered", "job_id", jobID, "action", action)
	return nil
}

func (c *Controller) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return c.jobs.Get(ctx, jobID)
}

// Status prefers the cached status and falls back to the database.
func (c *Controller) Status(ctx context.Context, jobID uuid.UUID) (models.JobStatus, error) {
	if status, ok := c.jobs.CachedStatus(ctx, jobID); ok {
		return status, nil
	}
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// QueueStatus returns the capacity snapshot, cached briefly so pollers do
// not hammer the database.
func (c *Controller) QueueStatus(ctx context.Context) (models.QueueStatus, error) {
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, cache.QueueStatusKey()); err == nil && ok {
			var qs models.QueueStatus
			if json.Unmarshal(raw, &qs) == nil {
				return qs, nil
			}
		}
	}

	qs, err := c.registry.Snapshot(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(qs); err == nil {
			if err := c.cache.Set(ctx, cache.QueueStatusKey(), raw, queueStatusTTL); err != nil {
				slog.Warn("cache queue status failed", "error", err)
			}
		}
	}
	return qs, nil
}

func (c *Controller) cancelJobUpstream(ctx context.Context, job *models.Job) {
	if !job.HasTask() || job.APIAccount == nil {
		return
	}
	account, ok := c.registry.Account(*job.APIAccount)
	if !ok {
		slog.Warn("cannot cancel upstream, account not configured",
			"job_id", job.ID, "account", *job.APIAccount)
		return
	}
	c.cancelUpstream(ctx, account, *job.TaskID, job.ID)
}

func (c *Controller) cancelUpstream(ctx context.Context, account models.Account, taskID string, jobID uuid.UUID) {
	if err := c.dispatcher.CancelTask(ctx, account, taskID); err != nil {
		slog.Warn("upstream cancel failed", "job_id", jobID, "task_id", taskID, "error", err)
	}
}
