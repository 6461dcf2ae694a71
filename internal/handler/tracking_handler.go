package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/service"
)

// transparent 1x1 GIF
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02,
	0x44, 0x01, 0x00, 0x3b,
}

// TrackingHandler serves the open pixel and click redirect that the runner
// embeds in tracked messages.
type TrackingHandler struct {
	Ledger *service.EventLedger
	Links  *service.LinkSigner
}

func NewTrackingHandler(ledger *service.EventLedger, links *service.LinkSigner) *TrackingHandler {
	return &TrackingHandler{Ledger: ledger, Links: links}
}

// Open records an open and returns the pixel whatever the outcome.
func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	intentID := strings.TrimSuffix(chi.URLParam(r, "file"), ".gif")
	h.record(r, intentID, model.EventOpened, model.Metadata{})

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

// Click records a click and redirects to the original link. Only links
// signed for the intent are followed.
func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "intentID")
	target := r.URL.Query().Get("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid url"})
		return
	}
	if !h.Links.Verify(intentID, target, r.URL.Query().Get("sig")) {
		log.Warn().Str("intent_id", intentID).Msg("⚠️ click link signature mismatch")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid link signature"})
		return
	}

	h.record(r, intentID, model.EventClicked, model.Metadata{"link": target})
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *TrackingHandler) record(r *http.Request, intentID string, eventType model.EventType, meta model.Metadata) {
	if ua := r.UserAgent(); ua != "" {
		meta["user_agent"] = ua
	}
	if r.RemoteAddr != "" {
		meta["ip"] = r.RemoteAddr
	}
	meta["source"] = "tracking"

	if _, err := h.Ledger.RecordIntentEvent(r.Context(), intentID, eventType, meta); err != nil {
		if appErrors.IsNotFound(err) || errors.Is(err, appErrors.ErrEventRejected) {
			log.Debug().Str("intent_id", intentID).Str("event_type", string(eventType)).Msg("tracking hit not recorded")
			return
		}
		log.Error().Err(err).Str("intent_id", intentID).Str("event_type", string(eventType)).Msg("failed to record tracking event")
	}
}
