package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
)

const postmarkEndpoint = "https://api.postmarkapp.com/email"

type PostmarkSender struct {
	ServerToken   string
	Endpoint      string
	MessageStream string
	Client        *http.Client
}

func NewPostmarkSender(token string, client *http.Client) *PostmarkSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &PostmarkSender{ServerToken: token, Endpoint: postmarkEndpoint, MessageStream: "outbound", Client: client}
}

func (s *PostmarkSender) Name() string { return "postmark" }

type postmarkResponse struct {
	To          string `json:"To"`
	SubmittedAt string `json:"SubmittedAt"`
	MessageID   string `json:"MessageID"`
	ErrorCode   int    `json:"ErrorCode"`
	Message     string `json:"Message"`
}

// Send posts to the single-email endpoint. Postmark only carries one tag, so
// the first tag value is used and the rest go to Metadata.
func (s *PostmarkSender) Send(ctx context.Context, msg *Message) (string, error) {
	payload := map[string]interface{}{
		"From":          msg.From,
		"To":            strings.Join(msg.To, ","),
		"Subject":       msg.Subject,
		"MessageStream": s.MessageStream,
	}
	if len(msg.Cc) > 0 {
		payload["Cc"] = strings.Join(msg.Cc, ",")
	}
	if len(msg.Bcc) > 0 {
		payload["Bcc"] = strings.Join(msg.Bcc, ",")
	}
	if msg.HTML != "" {
		payload["HtmlBody"] = msg.HTML
	}
	if msg.Text != "" {
		payload["TextBody"] = msg.Text
	}
	if msg.ReplyTo != "" {
		payload["ReplyTo"] = msg.ReplyTo
	}
	if len(msg.Tags) > 0 {
		payload["Tag"] = msg.Tags[0].Value
		meta := make(map[string]string, len(msg.Tags))
		for _, t := range msg.Tags {
			meta[t.Name] = t.Value
		}
		payload["Metadata"] = meta
	}

	headers := map[string]string{"X-Postmark-Server-Token": s.ServerToken}

	var out postmarkResponse
	if err := postJSON(ctx, s.Client, s.Name(), s.Endpoint, headers, payload, &out); err != nil {
		return "", err
	}
	if out.ErrorCode != 0 {
		// a 200 with an ErrorCode is a rejected message, not a transport fault
		return "", &appErrors.ProviderError{Provider: s.Name(), StatusCode: http.StatusUnprocessableEntity, Message: fmt.Sprintf("%d: %s", out.ErrorCode, out.Message)}
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("postmark: response carried no MessageID")
	}
	return out.MessageID, nil
}
