package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminHandler serves tenant monitoring and intervention endpoints
type AdminHandler struct {
	svc    *handoff.Service
	logger zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(svc *handoff.Service, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		svc:    svc,
		logger: logger.With().Str("component", "admin_handler").Logger(),
	}
}

// Presence handles GET /api/v1/admin/presence
func (h *AdminHandler) Presence(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	list, err := h.svc.PresenceSnapshot(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []types.AgentPresence{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ForcePresence handles PUT /api/v1/admin/presence/{agentId}
func (h *AdminHandler) ForcePresence(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	var body presenceRequest
	if err := decode(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "malformed request body")
		return
	}
	status := types.PresenceStatus(strings.ToUpper(string(body.Status)))
	p, err := h.svc.ForcePresence(r.Context(), actor, chi.URLParam(r, "agentId"), status, body.MaxSessions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

// Broadcast handles POST /api/v1/admin/broadcast
func (h *AdminHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	var body broadcastRequest
	if err := decode(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "malformed request body")
		return
	}
	n, err := h.svc.Broadcast(r.Context(), actor, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recipients": n})
}

// Queue handles GET /api/v1/admin/queue?limit=
func (h *AdminHandler) Queue(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	snap, err := h.svc.Queue(r.Context(), actor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap.RequestIDs == nil {
		snap.RequestIDs = []string{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// Handoffs handles GET /api/v1/admin/handoffs?status=&agentId=&from=&to=&limit=&offset=
func (h *AdminHandler) Handoffs(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	q := r.URL.Query()

	filter := types.HandoffFilter{
		Status:  types.HandoffStatus(strings.ToUpper(q.Get("status"))),
		AgentID: q.Get("agentId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), "unknown status "+q.Get("status"))
		return
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, string(handoff.KindValidation), p.name+" must be an RFC3339 timestamp")
			return
		}
		*p.dst = t
	}
	var ok bool
	if filter.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, r, "offset"); !ok {
		return
	}

	list, err := h.svc.ListHandoffs(r.Context(), actor, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []types.HandoffRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}
