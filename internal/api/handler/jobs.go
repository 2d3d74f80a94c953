package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/admission"
	"github.com/kiranshivaraju/upscaler/internal/api/response"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// JobReader serves job polling.
type JobReader interface {
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, jobID uuid.UUID) (models.JobStatus, error)
}

// Canceller serves user cancellation.
type Canceller interface {
	Cancel(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseUUIDParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), jobID)
		if err != nil {
			writeJobError(w, jobID, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseUUIDParam(w, r, "jobID")
		if !ok {
			return
		}

		status, err := svc.Status(r.Context(), jobID)
		if err != nil {
			writeJobError(w, jobID, err)
			return
		}
		response.JSON(w, map[string]any{"jobId": jobID, "status": status})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseUUIDParam(w, r, "jobID")
		if !ok {
			return
		}

		var req struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userId must be a UUID", nil)
			return
		}

		job, err := svc.Cancel(r.Context(), jobID, userID)
		if err != nil {
			writeJobError(w, jobID, err)
			return
		}
		response.JSON(w, job)
	}
}

func writeJobError(w http.ResponseWriter, jobID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, admission.ErrNotOwner):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Job belongs to another user", nil)
	case errors.Is(err, admission.ErrJobFinished):
		response.Error(w, http.StatusConflict, "JOB_ALREADY_FINISHED", "Job has already finished", nil)
	default:
		slog.Error("job request failed", "job_id", jobID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
