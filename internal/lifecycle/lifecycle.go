// Package lifecycle owns the job state machine and the credit ledger.
//
// Every status change, charge and refund goes through Manager. Other
// components read jobs freely but request transitions here. After each write
// the manager mirrors the new status into the cache for cheap polling and
// drops the cached queue snapshot; cache failures are logged and ignored.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/cache"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

const statusTTL = 30 * time.Minute

// Reasons recorded in error_message.
const (
	ReasonTimeout        = "timeout"
	ReasonUserCancelled  = "cancelled by user"
	ReasonOrphanRecovery = "Dispatch interrupted before vendor accepted the job"
	ReasonAdmissionLost  = "Admission interrupted before the job was charged"
)

type Manager struct {
	store store.Store
	cache cache.Cache
}

// NewManager builds a Manager. c may be nil, in which case nothing is mirrored.
func NewManager(s store.Store, c cache.Cache) *Manager {
	return &Manager{store: s, cache: c}
}

// Create inserts a new pending job. Status, charge flag and timestamps are
// set here regardless of what the caller passed.
func (m *Manager) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	now := time.Now().UTC()
	job.Status = models.JobStatusPending
	job.CreditsCharged = false
	job.Position = nil
	job.QueuedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	m.mirror(ctx, job)
	return job, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

func (m *Manager) GetByTaskID(ctx context.Context, taskID string) (*models.Job, error) {
	return m.store.GetJobByTaskID(ctx, taskID)
}

// ListStale returns jobs matching filter, for the reconciliation sweep.
func (m *Manager) ListStale(ctx context.Context, filter store.StaleFilter) ([]*models.Job, error) {
	return m.store.ListStaleJobs(ctx, filter)
}

// Enqueue parks a pending, uncharged job at the back of the FIFO queue.
func (m *Manager) Enqueue(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.EnqueueJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	m.mirror(ctx, job)
	slog.Info("job queued", "job_id", id, "position", derefInt(job.Position))
	return job, nil
}

// ClaimNext takes the oldest queued job and moves it back to pending so
// exactly one promoter dispatches it. Returns store.ErrNotFound when the
// queue is empty.
func (m *Manager) ClaimNext(ctx context.Context) (*models.Job, error) {
	job, err := m.store.ClaimNextQueued(ctx)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, job)
	return job, nil
}

// Requeue returns a claimed job that could not be charged to its old place
// at the head of the queue.
func (m *Manager) Requeue(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.RequeueJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}
	m.mirror(ctx, job)
	slog.Info("job requeued", "job_id", id, "position", derefInt(job.Position))
	return job, nil
}

// Renumber re-derives queue positions from queued_at order.
func (m *Manager) Renumber(ctx context.Context) (int, error) {
	n, err := m.store.RenumberQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("renumber queue: %w", err)
	}
	if n > 0 {
		m.invalidateQueue(ctx)
	}
	return n, nil
}

// Charge debits the job's cost before any vendor call. When the balance is
// short the job is failed with "Insufficient credits" and
// models.ErrInsufficientCredits is returned.
func (m *Manager) Charge(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.ChargeCredits(ctx, id)
	if err == nil {
		slog.Info("credits charged", "job_id", id, "amount", job.CreditCost)
		return job, nil
	}
	if !errors.Is(err, models.ErrInsufficientCredits) {
		return nil, fmt.Errorf("charge job %s: %w", id, err)
	}

	failed, ferr := m.store.TransitionJob(ctx, id, models.JobStatusFailed,
		store.WithErrorMessage(models.InsufficientCreditsMessage))
	if ferr != nil {
		return nil, fmt.Errorf("fail job %s after declined charge: %w", id, ferr)
	}
	m.mirror(ctx, failed)
	slog.Info("job failed", "job_id", id, "reason", models.InsufficientCreditsMessage)
	return failed, models.ErrInsufficientCredits
}

// StartRunning records the vendor's acceptance.
func (m *Manager) StartRunning(ctx context.Context, id uuid.UUID, taskID, account string) (*models.Job, error) {
	job, err := m.store.TransitionJob(ctx, id, models.JobStatusRunning, store.WithTask(taskID, account))
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", id, err)
	}
	m.mirror(ctx, job)
	slog.Info("job running", "job_id", id, "task_id", taskID, "account", account)
	return job, nil
}

func (m *Manager) Complete(ctx context.Context, id uuid.UUID, outputRef string) (*models.Job, error) {
	var opts []store.JobUpdateOption
	if outputRef != "" {
		opts = append(opts, store.WithOutputRef(outputRef))
	}
	job, err := m.store.TransitionJob(ctx, id, models.JobStatusCompleted, opts...)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}
	m.mirror(ctx, job)
	slog.Info("job completed", "job_id", id)
	return job, nil
}

// Fail moves the job to failed and refunds it in the same transaction if it
// was charged.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, msg string) (*models.Job, error) {
	job, err := m.store.TransitionJob(ctx, id, models.JobStatusFailed,
		store.WithErrorMessage(msg), store.WithRefund())
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	m.mirror(ctx, job)
	slog.Info("job failed", "job_id", id, "reason", msg)
	return job, nil
}

// Cancel moves the job to cancelled with a refund if it was charged. A
// cancelled queued job leaves a gap, so the queue is renumbered afterwards.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Job, error) {
	prev, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	opts := []store.JobUpdateOption{store.WithRefund()}
	if reason != "" {
		opts = append(opts, store.WithErrorMessage(reason))
	}
	job, err := m.store.TransitionJob(ctx, id, models.JobStatusCancelled, opts...)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}
	m.mirror(ctx, job)
	slog.Info("job cancelled", "job_id", id, "from", prev.Status, "reason", reason)

	if prev.Status == models.JobStatusQueued {
		if _, err := m.Renumber(ctx); err != nil {
			slog.Warn("renumber after cancel failed", "job_id", id, "error", err)
		}
	}
	return job, nil
}

// Refund returns the job's credits if they are still held. A second call is
// a no-op and reports false.
func (m *Manager) Refund(ctx context.Context, id uuid.UUID) (bool, error) {
	refunded, err := m.store.RefundCredits(ctx, id)
	if err != nil {
		return false, fmt.Errorf("refund job %s: %w", id, err)
	}
	if refunded {
		slog.Info("credits refunded", "job_id", id)
	}
	return refunded, nil
}

// CachedStatus returns the mirrored status if present.
func (m *Manager) CachedStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, bool) {
	if m.cache == nil {
		return "", false
	}
	raw, ok, err := m.cache.GetJobStatus(ctx, id)
	if err != nil || !ok {
		return "", false
	}
	status, err := models.ParseJobStatus(raw)
	if err != nil {
		return "", false
	}
	return status, true
}

func (m *Manager) mirror(ctx context.Context, job *models.Job) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetJobStatus(ctx, job.ID, job.Status.String(), statusTTL); err != nil {
		slog.Warn("cache job status failed", "job_id", job.ID, "error", err)
	}
	m.invalidateQueue(ctx)
}

func (m *Manager) invalidateQueue(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, cache.QueueStatusKey()); err != nil {
		slog.Warn("invalidate queue status failed", "error", err)
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
