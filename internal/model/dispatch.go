// internal/model/dispatch.go
package model

import (
	"fmt"
	"strings"
	"time"
)

type Recipient struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
}

func (r Recipient) Name() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// DispatchRequest asks for one campaign to be sent to a recipient list.
type DispatchRequest struct {
	WorkflowID      string      `json:"workflow_id,omitempty"`
	TenantID        string      `json:"tenant_id"`
	CampaignID      string      `json:"campaign_id"`
	Subject         string      `json:"subject"`
	HTML            string      `json:"html"`
	From            string      `json:"from,omitempty"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	Recipients      []Recipient `json:"recipients"`
	ScheduledFor    *time.Time  `json:"scheduled_for,omitempty"`
	TrackingEnabled bool        `json:"tracking_enabled"`
	Tags            []string    `json:"tags,omitempty"`
}

func (r *DispatchRequest) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("tenant_id is required")
	case r.CampaignID == "":
		return fmt.Errorf("campaign_id is required")
	case r.Subject == "":
		return fmt.Errorf("subject is required")
	case r.HTML == "":
		return fmt.Errorf("html is required")
	case len(r.Recipients) == 0:
		return fmt.Errorf("at least one recipient is required")
	}
	for i, rcpt := range r.Recipients {
		if !strings.Contains(rcpt.Email, "@") {
			return fmt.Errorf("recipient %d has invalid email %q", i, rcpt.Email)
		}
	}
	return nil
}

// Reminder is one appointment reminder of a bulk reminder batch.
type Reminder struct {
	AppointmentID string    `json:"appointment_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Title         string    `json:"title"`
	StartsAt      time.Time `json:"starts_at"`
	Location      string    `json:"location,omitempty"`
	ConfirmURL    string    `json:"confirm_url"`
	DeclineURL    string    `json:"decline_url"`
}

type ReminderRequest struct {
	WorkflowID   string     `json:"workflow_id,omitempty"`
	TenantID     string     `json:"tenant_id"`
	CampaignID   string     `json:"campaign_id"`
	Subject      string     `json:"subject"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Reminders    []Reminder `json:"reminders"`
}

func (r *ReminderRequest) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("tenant_id is required")
	case r.CampaignID == "":
		return fmt.Errorf("campaign_id is required")
	case len(r.Reminders) == 0:
		return fmt.Errorf("at least one reminder is required")
	}
	for i, rem := range r.Reminders {
		if !strings.Contains(rem.Email, "@") {
			return fmt.Errorf("reminder %d has invalid email %q", i, rem.Email)
		}
	}
	return nil
}

type RecipientResult struct {
	Email             string `json:"email"`
	Success           bool   `json:"success"`
	IntentID          string `json:"intent_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// DispatchSummary is the outcome of one campaign or reminder workflow run.
type DispatchSummary struct {
	WorkflowID string            `json:"workflow_id"`
	CampaignID string            `json:"campaign_id"`
	Total      int               `json:"total"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Cancelled  bool              `json:"cancelled"`
	Results    []RecipientResult `json:"results"`
}

// Add appends per-recipient results and updates the counts.
func (s *DispatchSummary) Add(results []RecipientResult) {
	for _, res := range results {
		s.Results = append(s.Results, res)
		if res.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
}
