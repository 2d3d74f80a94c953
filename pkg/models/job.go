// Package models contains shared data models used across the upscaler codebase.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job. It is a closed set; use
// CanTransitionTo before writing a new value.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// job state machine. Terminal jobs reject every transition.
var ErrInvalidTransition = errors.New("invalid job status transition")

// queued -> pending is the promotion claim: a job leaves the queue and goes
// back through admission.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusQueued, JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusQueued:  {JobStatusPending, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// ParseJobStatus converts a stored string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transitions can occur.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether s -> next is a legal move.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with both states
// when s -> next is not allowed.
func (s JobStatus) ValidateTransition(next JobStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

func (s JobStatus) String() string { return string(s) }

// Tool identifies which upscaling operation a job runs. Each tool has its own
// callback URL and timeout horizon.
type Tool string

const (
	ToolImageUpscale Tool = "image-upscale"
	ToolVideoUpscale Tool = "video-upscale"
)

// ParseTool validates a tool name coming from a request or a webhook path.
func ParseTool(s string) (Tool, error) {
	switch t := Tool(s); t {
	case ToolImageUpscale, ToolVideoUpscale:
		return t, nil
	}
	return "", fmt.Errorf("unknown tool %q", s)
}

// Job is one user-submitted unit of upscaling work. The row never holds binary
// data; PayloadRef and OutputRef point at externally stored artifacts.
type Job struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	OwnerID        uuid.UUID  `db:"owner_id"        json:"owner_id"`
	Tool           Tool       `db:"tool"            json:"tool"`
	Status         JobStatus  `db:"status"          json:"status"`
	TaskID         *string    `db:"task_id"         json:"task_id,omitempty"`
	APIAccount     *string    `db:"api_account"     json:"api_account,omitempty"`
	Position       *int       `db:"position"        json:"position,omitempty"`
	QueuedAt       *time.Time `db:"queued_at"       json:"queued_at,omitempty"`
	CreditCost     int64      `db:"credit_cost"     json:"credit_cost"`
	CreditsCharged bool       `db:"credits_charged" json:"credits_charged"`
	PayloadRef     string     `db:"payload_ref"     json:"payload_ref"`
	OutputRef      *string    `db:"output_ref"      json:"output_ref,omitempty"`
	ErrorMessage   *string    `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	StartedAt      *time.Time `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// HasTask reports whether the vendor has accepted the job.
func (j *Job) HasTask() bool {
	return j.TaskID != nil && *j.TaskID != ""
}
