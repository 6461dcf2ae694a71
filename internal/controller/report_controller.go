package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailtrack-backend/internal/service"
)

type ReportController struct {
	Reports *service.ReportService
}

func (c *ReportController) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.Reports.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *ReportController) ListTenantStats(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	stats, pagination, err := c.Reports.ListTenantStats(r.Context(), chi.URLParam(r, "tenantID"), page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       stats,
		"pagination": pagination,
	})
}

// ListSends pages a campaign's send intents, filtered by ?status=.
func (c *ReportController) ListSends(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	sends, pagination, err := c.Reports.ListSends(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"), page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       sends,
		"pagination": pagination,
	})
}

// ListEvents pages a campaign's delivery events, filtered by ?type=.
func (c *ReportController) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	events, pagination, err := c.Reports.ListEvents(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("type"), page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       events,
		"pagination": pagination,
	})
}

func (c *ReportController) Trajectory(w http.ResponseWriter, r *http.Request) {
	tr, err := c.Reports.Trajectory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (c *ReportController) Breakdown(w http.ResponseWriter, r *http.Request) {
	b, err := c.Reports.Breakdown(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
