package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass groups errors by how callers are expected to react to them.
type ErrorClass int

const (
	// ClassNotFound marks a lookup of a UID or internal ID with no current entry.
	ClassNotFound ErrorClass = iota + 1
	// ClassInvalid marks rejected input: conflicts, ordering violations,
	// structural changes after data exists, duplicate UIDs.
	ClassInvalid
	// ClassIllegalState marks a programming error such as using a handler
	// before it is bound to an entity.
	ClassIllegalState
	// ClassUnknownFOI marks a record referencing a feature of interest the
	// owning procedure does not know.
	ClassUnknownFOI
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassInvalid:
		return "invalid"
	case ClassIllegalState:
		return "illegal_state"
	case ClassUnknownFOI:
		return "unknown_foi"
	default:
		return "unknown"
	}
}

// Sentinel errors. Use errors.Is to test for them.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateUID    = errors.New("duplicate uid")
	ErrVersionOrder    = errors.New("a more recent valid time already exists")
	ErrIllegalArgument = errors.New("illegal argument")
	ErrHasDependents   = errors.New("entity has dependents")
	ErrConflict        = errors.New("conflict")
	ErrIllegalState    = errors.New("illegal state")
	ErrUnknownFOI      = errors.New("unknown feature of interest")
)

var sentinelClasses = map[error]ErrorClass{
	ErrNotFound:        ClassNotFound,
	ErrDuplicateUID:    ClassInvalid,
	ErrVersionOrder:    ClassInvalid,
	ErrIllegalArgument: ClassInvalid,
	ErrHasDependents:   ClassInvalid,
	ErrConflict:        ClassInvalid,
	ErrIllegalState:    ClassIllegalState,
	ErrUnknownFOI:      ClassUnknownFOI,
}

// HubError decorates a sentinel with the operation and entity it concerns.
type HubError struct {
	Op      string
	Entity  string
	ID      string
	Message string
	Err     error
}

// Errorf builds a HubError wrapping sentinel with a formatted message.
func Errorf(sentinel error, op, entity, id, format string, args ...any) *HubError {
	return &HubError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

func (e *HubError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Err.Error()
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, msg)
}

func (e *HubError) Unwrap() error {
	return e.Err
}

// Class returns the class of the wrapped sentinel.
func (e *HubError) Class() ErrorClass {
	return ClassOf(e.Err)
}

// ClassOf returns the class of err, or zero when err is not part of the taxonomy.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return 0
	}
	for sentinel, class := range sentinelClasses {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return 0
}

// IsInvalid reports whether err is a conflict or illegal-argument error.
func IsInvalid(err error) bool { return ClassOf(err) == ClassInvalid }

// IsNotFound reports whether err signals a missing entity.
func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }

// StatusCode maps err onto the HTTP status an outer API should report.
func StatusCode(err error) int {
	switch ClassOf(err) {
	case 0:
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ClassNotFound:
		return http.StatusNotFound
	case ClassInvalid, ClassUnknownFOI:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
