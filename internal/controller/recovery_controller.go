package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailtrack-backend/internal/service"
)

// RecoveryController exposes the pending job outbox to operators.
type RecoveryController struct {
	Recovery *service.RecoveryManager
}

func (c *RecoveryController) ListPending(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.Recovery.ListPending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  jobs,
		"count": len(jobs),
	})
}

func (c *RecoveryController) ResendPending(w http.ResponseWriter, r *http.Request) {
	result, err := c.Recovery.ResendPending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *RecoveryController) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := c.Recovery.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
