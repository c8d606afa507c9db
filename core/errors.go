package core

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, comparable with errors.Is. These are the taxonomy
// every component reports through: registry, executor, planner, recursion
// manager, router, and context window manager all wrap one of these.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
	ErrTimeout           = errors.New("operation timeout")
	ErrTransport         = errors.New("transport error")
	ErrStorage           = errors.New("storage error")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSaturated         = errors.New("saturated")
	ErrDepthExceeded     = errors.New("recursion depth exceeded")
	ErrCycle             = errors.New("cycle detected")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNoPlan            = errors.New("no plan")
	ErrNoAgent           = errors.New("no agent")
	ErrContextOverflow   = errors.New("context overflow")
	ErrInternal          = errors.New("internal error")

	// ErrMaxRetriesExceeded is raised by resilience.Retry once its attempt
	// budget is spent; kept distinct from ErrTimeout because the last
	// underlying error is wrapped alongside it.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrContextCanceled mirrors context.Canceled so resilience classifiers
	// can match it through the same Kind taxonomy as every other sentinel.
	ErrContextCanceled = errors.New("context canceled")
)

// FrameworkError is an alias for Error, kept so resilience's error
// classifier can type-switch on *core.FrameworkError the way the rest of
// the stack type-switches on *core.Error.
type FrameworkError = Error

// Error carries structured context around one of the sentinel kinds above,
// following the Op/Kind/ID/Err shape of the teacher's FrameworkError.
type Error struct {
	Op      string // operation that failed, e.g. "registry.Register"
	Kind    error  // one of the sentinels above
	ID      string // entity id involved, if any
	Message string
	Err     error // underlying cause, if different from Kind
}

func (e *Error) Error() string {
	cause := e.Err
	if cause == nil {
		cause = e.Kind
	}
	switch {
	case e.Op != "" && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, cause)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, cause)
	case e.Message != "":
		return e.Message
	default:
		return cause.Error()
	}
}

// Unwrap exposes the underlying error for errors.Is/errors.As. Callers
// matching on taxonomy should test errors.Is(err, core.ErrNotFound) etc.,
// which works whether or not Err is set because Is matches Kind directly.
func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is reports whether target is e's Kind, so errors.Is matches the kind even
// when Err holds a different underlying cause.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewError builds an *Error for one of the sentinel kinds.
func NewError(op string, kind error, id string, err error) *Error {
	return &Error{Op: op, Kind: kind, ID: id, Err: err}
}

// IsRetryable reports whether an error is a transient condition worth a
// caller-side retry with backoff (idempotent reads only; see resilience.Retry).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrStorage)
}

// IsNotFound reports a "no such entity" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoAgent)
}

// IsFatalForCall reports conditions that are fatal for the current call and
// must propagate to the parent recursion frame rather than be retried.
func IsFatalForCall(err error) bool {
	return errors.Is(err, ErrCycle) || errors.Is(err, ErrDepthExceeded)
}

// IsAdmissionRejected reports conditions the Recursion Manager surfaces
// immediately without internal retry; the caller may resubmit after backoff.
func IsAdmissionRejected(err error) bool {
	return errors.Is(err, ErrSaturated) || errors.Is(err, ErrResourceExhausted)
}

// IsConfigurationError reports a caller-side mistake (bad request shape,
// unknown target) that a circuit breaker should never count toward its
// failure threshold — retrying it changes nothing.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsStateError reports a programming error in this process's own state
// machine (e.g. an illegal status transition) rather than a downstream
// fault, so it shouldn't trip a circuit breaker guarding that downstream.
func IsStateError(err error) bool {
	return errors.Is(err, ErrConflict)
}
