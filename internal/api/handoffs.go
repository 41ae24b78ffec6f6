package api

import (
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// HandoffHandler serves the customer and operator handoff lifecycle
type HandoffHandler struct {
	svc    *handoff.Service
	logger zerolog.Logger
}

// NewHandoffHandler creates a new HandoffHandler
func NewHandoffHandler(svc *handoff.Service, logger zerolog.Logger) *HandoffHandler {
	return &HandoffHandler{
		svc:    svc,
		logger: logger.With().Str("component", "handoff_handler").Logger(),
	}
}

type createRequest struct {
	SessionID string         `json:"sessionId"`
	Reason    string         `json:"reason"`
	Priority  types.Priority `json:"priority"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// StatusView is the customer-facing status of a handoff request
type StatusView struct {
	Request              *types.HandoffRequest `json:"request"`
	Position             int                   `json:"position"`
	AgentID              string                `json:"agentId,omitempty"`
	EstimatedWaitSeconds int64                 `json:"estimatedWaitSeconds"`
}

func viewOf(res *handoff.RequestResult) StatusView {
	return StatusView{
		Request:              res.Request,
		Position:             res.Position,
		AgentID:              res.AgentID,
		EstimatedWaitSeconds: int64(res.EstimatedWait.Seconds()),
	}
}

// Create handles POST /api/v1/handoffs
func (h *HandoffHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "not authenticated")
		return
	}
	var body createRequest
	if err := decode(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "malformed request body")
		return
	}
	// a token bound to a session may omit it from the body; ownership is checked by the service
	res, err := h.svc.RequestHandoff(r.Context(), actor, handoff.RequestInput{
		SessionID: body.SessionID,
		Reason:    body.Reason,
		Priority:  body.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(res))
}

// Status handles GET /api/v1/handoffs/{id}
func (h *HandoffHandler) Status(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	res, err := h.svc.QueryStatus(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res))
}

// Events handles GET /api/v1/handoffs/{id}/events
func (h *HandoffHandler) Events(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	evs, err := h.svc.Events(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []types.HandoffEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// Accept handles POST /api/v1/handoffs/{id}/accept
func (h *HandoffHandler) Accept(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	h.respond(w, r, "accept")(h.svc.Accept(r.Context(), actor, chi.URLParam(r, "id")))
}

// Decline handles POST /api/v1/handoffs/{id}/decline
func (h *HandoffHandler) Decline(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	body, ok := reasonOf(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "decline")(h.svc.Decline(r.Context(), actor, chi.URLParam(r, "id"), body.Reason))
}

// Cancel handles POST /api/v1/handoffs/{id}/cancel
func (h *HandoffHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	body, ok := reasonOf(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "cancel")(h.svc.Cancel(r.Context(), actor, chi.URLParam(r, "id"), body.Reason))
}

// Start handles POST /api/v1/handoffs/{id}/start
func (h *HandoffHandler) Start(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	h.respond(w, r, "start")(h.svc.Start(r.Context(), actor, chi.URLParam(r, "id")))
}

// Complete handles POST /api/v1/handoffs/{id}/complete
func (h *HandoffHandler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	h.respond(w, r, "complete")(h.svc.Complete(r.Context(), actor, chi.URLParam(r, "id")))
}

// Close handles POST /api/v1/handoffs/{id}/close
func (h *HandoffHandler) Close(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	body, ok := reasonOf(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "close")(h.svc.Close(r.Context(), actor, chi.URLParam(r, "id"), body.Reason))
}

// Pending handles GET /api/v1/agent/pending?limit=
func (h *HandoffHandler) Pending(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.svc.ListPending(r.Context(), actor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []types.HandoffRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *HandoffHandler) respond(w http.ResponseWriter, r *http.Request, op string) func(*types.HandoffRequest, error) {
	return func(req *types.HandoffRequest, err error) {
		if err != nil {
			h.logger.Debug().Err(err).Str("op", op).Str("request_id", chi.URLParam(r, "id")).Msg("handoff action rejected")
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func reasonOf(w http.ResponseWriter, r *http.Request) (reasonRequest, bool) {
	var body reasonRequest
	if err := decode(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "malformed request body")
		return body, false
	}
	return body, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
