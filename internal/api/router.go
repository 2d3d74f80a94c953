package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/upscaler/internal/api/middleware"
	"github.com/kiranshivaraju/upscaler/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth         *mw.Auth
	WebhookToken string

	HealthHandler  http.HandlerFunc
	RunHandler     http.HandlerFunc
	QueueStatus    http.HandlerFunc
	GetJob         http.HandlerFunc
	JobStatus      http.HandlerFunc
	CancelJob      http.HandlerFunc
	WebhookHandler http.HandlerFunc
	BalanceHandler http.HandlerFunc
	LedgerHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Vendor callbacks carry the shared token instead of a service key.
	r.With(mw.WebhookToken(deps.WebhookToken)).
		Post("/api/v1/webhooks/{tool}", orNotImplemented(deps.WebhookHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/api/v1/run", orNotImplemented(deps.RunHandler))
		r.Get("/api/v1/queue-status", orNotImplemented(deps.QueueStatus))

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))

		r.Get("/api/v1/users/{userID}/balance", orNotImplemented(deps.BalanceHandler))
		r.Get("/api/v1/users/{userID}/ledger", orNotImplemented(deps.LedgerHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
