package provider

import (
	"context"
	"fmt"
	"net/http"
)

const resendEndpoint = "https://api.resend.com/emails"

type ResendSender struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func NewResendSender(apiKey string, client *http.Client) *ResendSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &ResendSender{APIKey: apiKey, Endpoint: resendEndpoint, Client: client}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg *Message) (string, error) {
	payload := map[string]interface{}{
		"from":    msg.From,
		"to":      msg.To,
		"subject": msg.Subject,
	}
	if msg.HTML != "" {
		payload["html"] = msg.HTML
	}
	if msg.Text != "" {
		payload["text"] = msg.Text
	}
	if len(msg.Cc) > 0 {
		payload["cc"] = msg.Cc
	}
	if len(msg.Bcc) > 0 {
		payload["bcc"] = msg.Bcc
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = msg.ReplyTo
	}
	if len(msg.Tags) > 0 {
		payload["tags"] = msg.Tags
	}

	headers := map[string]string{"Authorization": "Bearer " + s.APIKey}
	if msg.IdempotencyKey != "" {
		headers["Idempotency-Key"] = msg.IdempotencyKey
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := postJSON(ctx, s.Client, s.Name(), s.Endpoint, headers, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("resend: response carried no message id")
	}
	return out.ID, nil
}
