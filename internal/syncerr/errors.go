// Package syncerr classifies the failures the synchronization core can
// surface. Every error carries a Kind; callers branch on it with errors.Is
// against the kind sentinels or errors.As against *Error.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure class of an *Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindValidation
	KindPersistence
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Kind sentinels. An *Error matches the sentinel of its Kind.
var (
	ErrTransport   = errors.New("transport error")
	ErrValidation  = errors.New("validation error")
	ErrPersistence = errors.New("persistence error")
	ErrConflict    = errors.New("conflict")
)

// Reasons wrapped inside an *Error.
var (
	ErrAlreadyInvited  = errors.New("room already invited")
	ErrDuplicateSource = errors.New("source already added")
	ErrSourceLimit     = errors.New("source limit reached for plan")
	ErrUnknownSource   = errors.New("source not found")
	ErrEmptyKey        = errors.New("key is required")
	ErrAlreadyTraining = errors.New("training already in progress")
	ErrInFlight        = errors.New("mutation already in flight")
	ErrUnavailable     = errors.New("channel unavailable")
)

// Error is a classified failure of an operation on an entity.
type Error struct {
	Kind   Kind
	Op     string
	Entity string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, " %s", e.Entity)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindValidation:
		return ErrValidation
	case KindPersistence:
		return ErrPersistence
	case KindConflict:
		return ErrConflict
	}
	return nil
}

func newError(kind Kind, op, entity string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

// Transport wraps a channel or network failure.
func Transport(op, entity string, err error) *Error {
	return newError(KindTransport, op, entity, err)
}

// Validation wraps a rejected input. No state has changed when it is returned.
func Validation(op, entity string, err error) *Error {
	return newError(KindValidation, op, entity, err)
}

// Persistence wraps a failed remote write whose local effect was rolled back.
func Persistence(op, entity string, err error) *Error {
	return newError(KindPersistence, op, entity, err)
}

// Conflict wraps a locally rejected concurrent operation.
func Conflict(op, entity string, err error) *Error {
	return newError(KindConflict, op, entity, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Classified reports whether err already carries a Kind.
func Classified(err error) bool {
	return KindOf(err) != KindUnknown
}
