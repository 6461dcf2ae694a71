// Package controller holds the admin HTTP API handlers.
package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/service"
)

type CampaignController struct {
	Dispatch *service.DispatchService
}

// DispatchCampaign queues a campaign send. The campaign id in the path wins
// over one in the body.
func (c *CampaignController) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.CampaignID = chi.URLParam(r, "id")

	job, err := c.Dispatch.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":      job.ID,
		"workflow_id": job.WorkflowID,
		"campaign_id": req.CampaignID,
		"status":      job.Status,
		"recipients":  len(req.Recipients),
	})
}

func (c *CampaignController) DispatchReminders(w http.ResponseWriter, r *http.Request) {
	var req model.ReminderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := c.Dispatch.SubmitReminders(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":      job.ID,
		"workflow_id": job.WorkflowID,
		"campaign_id": req.CampaignID,
		"status":      job.Status,
		"reminders":   len(req.Reminders),
	})
}

// CancelWorkflow stops the batches of a workflow that have not started.
func (c *CampaignController) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	if err := c.Dispatch.Cancel(r.Context(), workflowID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": workflowID,
		"status":      string(model.WorkflowCancelled),
	})
}
