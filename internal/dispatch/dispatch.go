// Package dispatch turns a charged job into a vendor task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/upscaler/internal/compute"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Messages recorded on a job when the vendor does not supply one.
const (
	FallbackMessage    = "Dispatch failed: unreadable vendor response"
	UnreachableMessage = "Dispatch failed: vendor unreachable"
	TimeoutMessage     = "Dispatch failed: vendor timed out"
)

// Error is a failed dispatch. Message is what gets stored in the job's
// error_message; Err keeps the underlying vendor error for errors.Is.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

type Dispatcher struct {
	client         compute.Client
	webhookBaseURL string
	webhookToken   string
}

func New(client compute.Client, webhookBaseURL, webhookToken string) *Dispatcher {
	return &Dispatcher{
		client:         client,
		webhookBaseURL: strings.TrimRight(webhookBaseURL, "/"),
		webhookToken:   webhookToken,
	}
}

// CallbackURL is where the vendor reports completion for a tool.
func (d *Dispatcher) CallbackURL(tool models.Tool) string {
	return fmt.Sprintf("%s/api/v1/webhooks/%s?token=%s",
		d.webhookBaseURL, url.PathEscape(string(tool)), url.QueryEscape(d.webhookToken))
}

// Dispatch submits the job to the vendor on the given account and returns
// the vendor task id. Every failure is an *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job, account models.Account) (string, error) {
	taskID, err := d.client.StartTask(ctx, account, compute.StartRequest{
		Tool:        job.Tool,
		InputURL:    job.PayloadRef,
		CallbackURL: d.CallbackURL(job.Tool),
		ExternalID:  job.ID.String(),
	})
	if err != nil {
		return "", &Error{Message: messageFor(err), Err: err}
	}
	return taskID, nil
}

// CancelTask asks the vendor to stop a task. Callers treat the result as
// advisory.
func (d *Dispatcher) CancelTask(ctx context.Context, account models.Account, taskID string) error {
	return d.client.CancelTask(ctx, account, taskID)
}

func messageFor(err error) string {
	var rej *compute.RejectionError
	switch {
	case errors.As(err, &rej) && rej.Message != "":
		return rej.Message
	case errors.Is(err, compute.ErrVendorTimeout):
		return TimeoutMessage
	case errors.Is(err, compute.ErrVendorUnreachable):
		return UnreachableMessage
	default:
		return FallbackMessage
	}
}
