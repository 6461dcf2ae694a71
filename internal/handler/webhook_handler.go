package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/mailtrack-backend/internal/service"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives provider webhooks on /webhooks/{provider}.
type WebhookHandler struct {
	Ingester *service.WebhookIngester
}

func NewWebhookHandler(ingester *service.WebhookIngester) *WebhookHandler {
	return &WebhookHandler{Ingester: ingester}
}

// Health answers the GET check providers send when a webhook is configured.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": chi.URLParam(r, "provider"),
	})
}

// Receive answers 200 for every payload it has dealt with, including ones it
// drops, and 503 when storage failed so the provider delivers again.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("⚠️ failed to read webhook body")
		writeJSON(w, http.StatusOK, map[string]bool{"received": false})
		return
	}

	if err := h.Ingester.IngestDelivery(r.Context(), provider, body, deliveryID(r.Header)); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"received": false, "error": "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// deliveryID is the provider's id for one webhook delivery, stable across
// redeliveries.
func deliveryID(h http.Header) string {
	for _, key := range []string{"svix-id", "webhook-id"} {
		if v := h.Get(key); v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
