// Package webhook applies the vendor's completion callbacks to jobs.
//
// Callbacks may arrive late, twice, or for tasks we never recorded. All of
// these are absorbed without error so the vendor stops retrying; only
// malformed payloads are rejected.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/lifecycle"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	defaultFailureMessage = "Vendor reported failure"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

// Payload is the body the vendor posts to the callback URL.
type Payload struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

func (p Payload) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidPayload)
	}
	if p.Status != StatusSuccess && p.Status != StatusFailed {
		return fmt.Errorf("%w: status must be %q or %q", ErrInvalidPayload, StatusSuccess, StatusFailed)
	}
	return nil
}

// Outcome says what a callback did.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnknownTask Outcome = "unknown_task"
	OutcomeIgnored     Outcome = "ignored"
)

// Timers disarms a job's timeout watchdog.
type Timers interface {
	Stop(jobID uuid.UUID) bool
}

// Promoter starts a background queue promotion.
type Promoter interface {
	TriggerPromotion()
}

type Receiver struct {
	jobs     *lifecycle.Manager
	timers   Timers
	promoter Promoter
}

func NewReceiver(jobs *lifecycle.Manager, timers Timers, promoter Promoter) *Receiver {
	return &Receiver{jobs: jobs, timers: timers, promoter: promoter}
}

// OnCallback applies one vendor callback for tool.
func (r *Receiver) OnCallback(ctx context.Context, tool models.Tool, p Payload) (Outcome, error) {
	if err := p.validate(); err != nil {
		return "", err
	}

	job, err := r.jobs.GetByTaskID(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("webhook for unknown task", "task_id", p.TaskID, "tool", tool)
		return OutcomeUnknownTask, nil
	}
	if err != nil {
		return "", fmt.Errorf("look up task %s: %w", p.TaskID, err)
	}
	if job.Tool != tool {
		slog.Warn("webhook tool mismatch", "job_id", job.ID, "task_id", p.TaskID,
			"job_tool", job.Tool, "callback_tool", tool)
	}
	if job.Status.IsTerminal() {
		slog.Info("webhook for finished job ignored", "job_id", job.ID, "status", job.Status)
		return OutcomeIgnored, nil
	}

	outcome := OutcomeCompleted
	if p.Status == StatusSuccess {
		_, err = r.jobs.Complete(ctx, job.ID, p.OutputURL)
	} else {
		outcome = OutcomeFailed
		msg := p.Error
		if msg == "" {
			msg = defaultFailureMessage
		}
		_, err = r.jobs.Fail(ctx, job.ID, msg)
	}
	if errors.Is(err, models.ErrInvalidTransition) {
		// Lost a race with the timeout or a user cancel.
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	r.timers.Stop(job.ID)
	r.promoter.TriggerPromotion()
	return outcome, nil
}
