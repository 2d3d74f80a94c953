package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/api/response"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

const (
	defaultLedgerLimit = 20
	maxLedgerLimit     = 100
)

// Ledger is the read side of the credit ledger.
type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListLedgerEntries(ctx context.Context, filter store.LedgerFilter) ([]*models.LedgerEntry, error)
}

// NewBalanceHandler returns an http.HandlerFunc for
// GET /api/v1/users/{userID}/balance.
func NewBalanceHandler(l Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := parseUUIDParam(w, r, "userID")
		if !ok {
			return
		}

		balance, err := l.GetBalance(r.Context(), userID)
		if err != nil {
			slog.Error("get balance failed", "user_id", userID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]any{"userId": userID, "balance": balance})
	}
}

// NewLedgerHandler returns an http.HandlerFunc for
// GET /api/v1/users/{userID}/ledger?limit=&offset=.
func NewLedgerHandler(l Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := parseUUIDParam(w, r, "userID")
		if !ok {
			return
		}

		limit, offset := defaultLedgerLimit, 0
		q := r.URL.Query()
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxLedgerLimit)
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "offset must be a non-negative integer", nil)
				return
			}
			offset = n
		}

		entries, err := l.ListLedgerEntries(r.Context(), store.LedgerFilter{
			UserID: &userID,
			Limit:  limit + 1,
			Offset: offset,
		})
		if err != nil {
			slog.Error("list ledger failed", "user_id", userID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		hasNext := len(entries) > limit
		if hasNext {
			entries = entries[:limit]
		}
		if entries == nil {
			entries = []*models.LedgerEntry{}
		}
		response.Collection(w, entries, response.PaginationMeta{Limit: limit, Offset: offset, HasNext: hasNext})
	}
}
