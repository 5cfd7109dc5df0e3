package attendance

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidToken         Kind = "invalid_token"
	KindSessionInactive      Kind = "session_inactive"
	KindInvalidSession       Kind = "invalid_session"
	KindSessionNotFound      Kind = "session_not_found"
	KindTokenSessionMismatch Kind = "token_session_mismatch"
	KindOutOfWindow          Kind = "out_of_window"
	KindSubmissionTooStale   Kind = "submission_too_stale"
	KindNoClassAssigned      Kind = "no_class_assigned"
	KindClassNotEligible     Kind = "class_not_eligible"
	KindValidation           Kind = "validation_error"
	KindInternal             Kind = "internal"
)

// Error is returned by every Manager operation. Two errors match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidToken         = &Error{Kind: KindInvalidToken}
	ErrSessionInactive      = &Error{Kind: KindSessionInactive}
	ErrInvalidSession       = &Error{Kind: KindInvalidSession}
	ErrSessionNotFound      = &Error{Kind: KindSessionNotFound}
	ErrTokenSessionMismatch = &Error{Kind: KindTokenSessionMismatch}
	ErrOutOfWindow          = &Error{Kind: KindOutOfWindow}
	ErrSubmissionTooStale   = &Error{Kind: KindSubmissionTooStale}
	ErrNoClassAssigned      = &Error{Kind: KindNoClassAssigned}
	ErrClassNotEligible     = &Error{Kind: KindClassNotEligible}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrInternal             = &Error{Kind: KindInternal}
)

// KindOf reports the kind carried by err. Errors that did not come from this
// package are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func internalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: op, Err: err}
}
