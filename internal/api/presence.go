package api

import (
	"net/http"
	"strings"

	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// PresenceHandler lets operators log in, step away, log out and keep their presence alive
type PresenceHandler struct {
	svc    *handoff.Service
	logger zerolog.Logger
}

// NewPresenceHandler creates a new PresenceHandler
func NewPresenceHandler(svc *handoff.Service, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		svc:    svc,
		logger: logger.With().Str("component", "presence_handler").Logger(),
	}
}

type presenceRequest struct {
	Status      types.PresenceStatus `json:"status"`
	MaxSessions int                  `json:"maxSessions"`
}

// Set handles PUT /api/v1/agent/presence
func (h *PresenceHandler) Set(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	var body presenceRequest
	if err := decode(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "malformed request body")
		return
	}

	var (
		p   types.AgentPresence
		err error
	)
	switch types.PresenceStatus(strings.ToUpper(string(body.Status))) {
	case types.PresenceOnline:
		p, err = h.svc.GoOnline(r.Context(), actor, body.MaxSessions)
	case types.PresenceAway:
		p, err = h.svc.GoAway(r.Context(), actor)
	case types.PresenceOffline:
		p, err = h.svc.GoOffline(r.Context(), actor)
	default:
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "status must be ONLINE, AWAY or OFFLINE")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Heartbeat handles POST /api/v1/agent/heartbeat
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	if err := h.svc.Heartbeat(r.Context(), actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
