package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/upscaler/internal/api/response"
	"github.com/kiranshivaraju/upscaler/internal/webhook"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

type CallbackReceiver interface {
	OnCallback(ctx context.Context, tool models.Tool, p webhook.Payload) (webhook.Outcome, error)
}

// NewWebhookHandler returns an http.HandlerFunc for
// POST /api/v1/webhooks/{tool}. The token is checked by middleware.
// Unknown tasks and repeated callbacks still answer 200 so the vendor stops
// retrying.
func NewWebhookHandler(recv CallbackReceiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tool, err := models.ParseTool(chi.URLParam(r, "tool"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "UNKNOWN_TOOL", "Unknown tool", nil)
			return
		}

		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		outcome, err := recv.OnCallback(r.Context(), tool, p)
		if err != nil {
			if errors.Is(err, webhook.ErrInvalidPayload) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			slog.Error("webhook processing failed", "task_id", p.TaskID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]any{"received": true, "outcome": outcome})
	}
}
