// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidDispatch      = errors.New("invalid dispatch request")
	ErrInvalidFilter        = errors.New("invalid query filter")
	ErrUnknownProvider      = errors.New("unknown email provider")
	ErrJobNotCancellable    = errors.New("job is not pending or failed")
	ErrWorkflowCancelled    = errors.New("workflow cancelled")
	ErrTransportUnavailable = errors.New("job transport unavailable")
	ErrEventRejected        = errors.New("event does not apply to the send's status")
)

// ErrCampaignNotFound is returned when no stats row exists for a campaign
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrSendIntentNotFound struct {
	ID string
}

func (e *ErrSendIntentNotFound) Error() string {
	return fmt.Sprintf("send intent %s not found", e.ID)
}

func NewSendIntentNotFound(id string) error {
	return &ErrSendIntentNotFound{ID: id}
}

type ErrJobNotFound struct {
	ID string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("pending job %s not found", e.ID)
}

func NewJobNotFound(id string) error {
	return &ErrJobNotFound{ID: id}
}

// ProviderError is a non-2xx answer from an email provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether resending the same message may succeed.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsNotFound reports whether err is one of the not-found types above.
func IsNotFound(err error) bool {
	var campaign *ErrCampaignNotFound
	var intent *ErrSendIntentNotFound
	var job *ErrJobNotFound
	return errors.As(err, &campaign) || errors.As(err, &intent) || errors.As(err, &job)
}
