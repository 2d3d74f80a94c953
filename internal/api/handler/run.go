package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/admission"
	mw "github.com/kiranshivaraju/upscaler/internal/api/middleware"
	"github.com/kiranshivaraju/upscaler/internal/api/response"
	"github.com/kiranshivaraju/upscaler/internal/dispatch"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Submitter defines the admission interface the run handler depends on.
type Submitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Result, error)
}

type runRequest struct {
	JobID      string `json:"jobId"`
	PayloadRef string `json:"payloadRef"`
	UserID     string `json:"userId"`
	CreditCost int64  `json:"creditCost"`
	Tool       string `json:"tool"`
}

type runResponse struct {
	Success  bool      `json:"success"`
	JobID    uuid.UUID `json:"jobId"`
	TaskID   string    `json:"taskId,omitempty"`
	Queued   bool      `json:"queued,omitempty"`
	Position int       `json:"position,omitempty"`
}

// NewRunHandler returns an http.HandlerFunc for POST /api/v1/run.
// Dispatched jobs answer 200, queued jobs 202.
func NewRunHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobId must be a UUID", nil)
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userId must be a UUID", nil)
			return
		}
		tool, err := models.ParseTool(req.Tool)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tool must be image-upscale or video-upscale", nil)
			return
		}

		res, err := svc.Admit(r.Context(), admission.Request{
			JobID:      jobID,
			UserID:     userID,
			PayloadRef: req.PayloadRef,
			CreditCost: req.CreditCost,
			Tool:       tool,
		})
		if err != nil {
			writeAdmitError(w, jobID, err)
			return
		}

		attrs := []any{"job_id", res.JobID, "user_id", userID, "queued", res.Queued}
		if idx, ok := mw.GetServiceKey(r); ok {
			attrs = append(attrs, "service_key", idx)
		}
		slog.Info("job admitted", attrs...)

		if res.Queued {
			response.Accepted(w, runResponse{Success: true, JobID: res.JobID, Queued: true, Position: res.Position})
			return
		}
		response.JSON(w, runResponse{Success: true, JobID: res.JobID, TaskID: res.TaskID})
	}
}

func writeAdmitError(w http.ResponseWriter, jobID uuid.UUID, err error) {
	var derr *dispatch.Error
	switch {
	case errors.Is(err, admission.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, admission.ErrRateLimited):
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests", nil)
	case errors.Is(err, admission.ErrDuplicateJob):
		response.Error(w, http.StatusConflict, "DUPLICATE_JOB", "A job with this id already exists", nil)
	case errors.Is(err, models.ErrInsufficientCredits):
		response.Error(w, http.StatusBadRequest, "INSUFFICIENT_CREDITS", models.InsufficientCreditsMessage, nil)
	case errors.As(err, &derr):
		response.Error(w, http.StatusInternalServerError, "DISPATCH_FAILED", derr.Message, nil)
	case errors.Is(err, models.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "JOB_CANCELLED", "Job was cancelled during dispatch", nil)
	default:
		slog.Error("admit job failed", "job_id", jobID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
