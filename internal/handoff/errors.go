package handoff

import (
	"errors"
	"fmt"

	"github.com/dennisdiepolder/monti/handoff/internal/presence"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
)

// Kind classifies a workflow failure
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindForbidden   Kind = "FORBIDDEN"
	KindConflict    Kind = "CONFLICT"
	KindCapacity    Kind = "CAPACITY"
	KindNotFound    Kind = "NOT_FOUND"
	KindUnavailable Kind = "UNAVAILABLE"
	KindInternal    Kind = "INTERNAL"
)

// Error is the typed failure returned by every Service operation
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the machine-readable error code sent to clients
func (e *Error) Code() string { return string(e.Kind) }

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func wrapError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// KindOf classifies err. Driver sentinels are mapped so callers outside the workflow get the same taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Kind
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrActiveHandoffExists), errors.Is(err, storage.ErrVersionConflict):
		return KindConflict
	case errors.Is(err, presence.ErrCapacityExceeded), errors.Is(err, presence.ErrNotAvailable):
		return KindCapacity
	case errors.Is(err, presence.ErrNotOnline), errors.Is(err, presence.ErrInvalidCapacity):
		return KindValidation
	}
	return KindInternal
}

// Message returns the human-readable reason carried by err
func Message(err error) string {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Message
	}
	return err.Error()
}
