package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 64 << 10

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type failure struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(failure{Error: errorBody{Code: code, Message: message}})
}

// statusFor maps a workflow error kind to an HTTP status
func statusFor(kind handoff.Kind) int {
	switch kind {
	case handoff.KindValidation:
		return http.StatusBadRequest
	case handoff.KindForbidden:
		return http.StatusForbidden
	case handoff.KindConflict, handoff.KindCapacity:
		return http.StatusConflict
	case handoff.KindNotFound:
		return http.StatusNotFound
	case handoff.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := handoff.KindOf(err)
	if kind == handoff.KindInternal || kind == handoff.KindUnavailable {
		writeFailure(w, statusFor(kind), string(kind), "temporarily unable to complete the request")
		return
	}
	writeFailure(w, statusFor(kind), string(kind), handoff.Message(err))
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// actorFrom returns the authenticated caller as a workflow actor
func actorFrom(r *http.Request) (handoff.Actor, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return handoff.Actor{}, false
	}
	return handoff.Actor{TenantID: id.TenantID, ParticipantID: id.ParticipantID, Role: id.Role, SessionID: id.SessionID}, true
}
