package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/upscaler/internal/api/response"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

type QueueReporter interface {
	QueueStatus(ctx context.Context) (models.QueueStatus, error)
}

// NewQueueStatusHandler returns an http.HandlerFunc for GET /api/v1/queue-status.
func NewQueueStatusHandler(svc QueueReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs, err := svc.QueueStatus(r.Context())
		if err != nil {
			slog.Error("queue status failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, qs)
	}
}
