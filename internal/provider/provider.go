// Package provider sends email through an external delivery API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
)

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is one outbound email.
type Message struct {
	To      []string
	Cc      []string
	Bcc     []string
	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	Tags    []Tag
	// IdempotencyKey lets providers that support it drop a duplicate send.
	IdempotencyKey string
}

// Sender delivers a message and returns the provider's message id.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *Message) (string, error)
}

type Config struct {
	Provider            string
	ResendAPIKey        string
	PostmarkServerToken string
	Timeout             time.Duration
}

// Build returns the Sender selected by cfg.Provider.
func Build(cfg Config) (Sender, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	switch strings.ToLower(cfg.Provider) {
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, fmt.Errorf("RESEND_API_KEY is required for the resend provider")
		}
		return NewResendSender(cfg.ResendAPIKey, client), nil
	case "postmark":
		if cfg.PostmarkServerToken == "" {
			return nil, fmt.Errorf("POSTMARK_SERVER_TOKEN is required for the postmark provider")
		}
		return NewPostmarkSender(cfg.PostmarkServerToken, client), nil
	case "mock", "":
		return NewMockSender(1.0), nil
	default:
		return nil, fmt.Errorf("%w: %s", appErrors.ErrUnknownProvider, cfg.Provider)
	}
}

// postJSON sends payload and decodes a 2xx body into out. Any other status is
// returned as *appErrors.ProviderError carrying the response body.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &appErrors.ProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
