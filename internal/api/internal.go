package api

import (
	"context"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/rs/zerolog"
)

// maxExcerptBytes bounds the message excerpt carried by a sentiment event
const maxExcerptBytes = 512

// SentimentPublisher hands a detection to the event pipeline
type SentimentPublisher interface {
	PublishNegativeSentiment(ctx context.Context, ev events.NegativeSentimentEvent) error
}

// InternalHandler receives signals from other services on the private network
type InternalHandler struct {
	publisher SentimentPublisher
	logger    zerolog.Logger
}

// NewInternalHandler creates a new InternalHandler
func NewInternalHandler(publisher SentimentPublisher, logger zerolog.Logger) *InternalHandler {
	return &InternalHandler{
		publisher: publisher,
		logger:    logger.With().Str("component", "internal_handler").Logger(),
	}
}

// NegativeSentiment handles POST /internal/events/negative-sentiment
func (h *InternalHandler) NegativeSentiment(w http.ResponseWriter, r *http.Request) {
	var ev events.NegativeSentimentEvent
	if err := decode(r, &ev); err != nil {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "malformed request body")
		return
	}
	if ev.TenantID == "" || ev.SessionID == "" {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "tenant_id and session_id are required")
		return
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now().UTC()
	}
	ev.Excerpt = truncate(ev.Excerpt, maxExcerptBytes)

	if err := h.publisher.PublishNegativeSentiment(r.Context(), ev); err != nil {
		h.logger.Error().Err(err).
			Str("tenant_id", ev.TenantID).
			Str("session_id", ev.SessionID).
			Msg("Failed to record negative sentiment")
		writeFailure(w, http.StatusServiceUnavailable, string(handoff.KindUnavailable), "temporarily unable to record the event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"key": ev.Key()})
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
