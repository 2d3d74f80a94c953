package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
//
// Credit operations are transactional: a charge or refund moves the balance,
// writes the ledger entry and flips jobs.credits_charged together or not at all.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByTaskID(ctx context.Context, taskID string) (*models.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, to models.JobStatus, opts ...JobUpdateOption) (*models.Job, error)

	// EnqueueJob moves a pending job to queued and assigns position = queued count + 1.
	EnqueueJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ClaimNextQueued moves the oldest queued job back to pending for
	// dispatch and renumbers the rest. Returns ErrNotFound on an empty queue.
	ClaimNextQueued(ctx context.Context) (*models.Job, error)
	// RequeueJob puts a claimed job that was never charged back into the
	// queue under its original queued_at, so it keeps its place in line.
	RequeueJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// RenumberQueue re-derives every queued position from queued_at order.
	RenumberQueue(ctx context.Context) (int, error)
	CountQueued(ctx context.Context) (int, error)
	CountRunningByAccount(ctx context.Context) (map[string]int, error)
	ListStaleJobs(ctx context.Context, filter StaleFilter) ([]*models.Job, error)

	ChargeCredits(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	RefundCredits(ctx context.Context, jobID uuid.UUID) (bool, error)
	GrantCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*models.LedgerEntry, error)
}

// StaleFilter selects jobs the reconciler must look at.
type StaleFilter struct {
	Status models.JobStatus
	// Tool narrows to one tool; empty means all tools.
	Tool models.Tool
	// Before is compared with started_at for running jobs and with
	// updated_at for everything else.
	Before time.Time
	Limit  int
}

// LedgerFilter selects ledger entries, newest first. Limit defaults to 50
// and is capped at 500.
type LedgerFilter struct {
	UserID *uuid.UUID
	JobID  *uuid.UUID
	Limit  int
	Offset int
}

// UpdateParams is the resolved form of a set of JobUpdateOptions.
type UpdateParams struct {
	ErrorMessage *string
	TaskID       *string
	APIAccount   *string
	OutputRef    *string
	Refund       bool
}

type JobUpdateOption func(*UpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *UpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithTask(taskID, account string) JobUpdateOption {
	return func(p *UpdateParams) {
		p.TaskID = &taskID
		p.APIAccount = &account
	}
}

func WithOutputRef(ref string) JobUpdateOption {
	return func(p *UpdateParams) {
		p.OutputRef = &ref
	}
}

// WithRefund refunds the job's credits in the same transaction as the status
// change when credits_charged is set. It is a no-op otherwise.
func WithRefund() JobUpdateOption {
	return func(p *UpdateParams) {
		p.Refund = true
	}
}

// ApplyJobUpdateOptions resolves options. Exported for Store implementations
// outside this package.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) UpdateParams {
	var p UpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
