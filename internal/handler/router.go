// Package handler assembles the HTTP surface: the admin API, provider
// webhooks and tracking endpoints.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/mailtrack-backend/internal/controller"
)

type Handlers struct {
	Campaigns *controller.CampaignController
	Reports   *controller.ReportController
	Recovery  *controller.RecoveryController
	Webhooks  *WebhookHandler
	Tracking  *TrackingHandler
}

func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Dispatch
	r.Post("/campaigns/{id}/dispatch", h.Campaigns.DispatchCampaign)
	r.Post("/reminders/dispatch", h.Campaigns.DispatchReminders)
	r.Post("/workflows/{id}/cancel", h.Campaigns.CancelWorkflow)

	// Queries
	r.Get("/campaigns/{id}/stats", h.Reports.GetStats)
	r.Get("/campaigns/{id}/sends", h.Reports.ListSends)
	r.Get("/campaigns/{id}/events", h.Reports.ListEvents)
	r.Get("/campaigns/{id}/breakdown", h.Reports.Breakdown)
	r.Get("/tenants/{tenantID}/stats", h.Reports.ListTenantStats)
	r.Get("/sends/{id}/trajectory", h.Reports.Trajectory)

	// Recovery
	r.Get("/recovery/pending", h.Recovery.ListPending)
	r.Post("/recovery/resend", h.Recovery.ResendPending)
	r.Post("/recovery/{id}/cancel", h.Recovery.CancelJob)

	// Webhooks
	r.Get("/webhooks/{provider}", h.Webhooks.Health)
	r.Post("/webhooks/{provider}", h.Webhooks.Receive)

	// Tracking
	r.Get("/t/open/{file}", h.Tracking.Open)
	r.Get("/t/click/{intentID}", h.Tracking.Click)

	return r
}
