// Package fault classifies errors surfaced to clients.
//
// Every user-visible error in the relay is a *Error whose Kind is one of
// the sentinels below, so callers at the transport boundary can pick a
// status or event without knowing the concrete error.
package fault

import "errors"

// Error kinds.
var (
	ErrValidation    = errors.New("validation")
	ErrAuthorization = errors.New("authorization")
	ErrNotFound      = errors.New("not found")
	ErrCapacity      = errors.New("capacity")
	ErrStaleState    = errors.New("stale state")
)

// Error is a classified, user-facing error.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap exposes the kind so errors.Is(err, fault.ErrNotFound) works.
func (e *Error) Unwrap() error { return e.Kind }

// Validation returns a new validation error.
func Validation(msg string) *Error { return &Error{Kind: ErrValidation, Msg: msg} }

// Authorization returns a new authorization error.
func Authorization(msg string) *Error { return &Error{Kind: ErrAuthorization, Msg: msg} }

// NotFound returns a new not-found error.
func NotFound(msg string) *Error { return &Error{Kind: ErrNotFound, Msg: msg} }

// Capacity returns a new capacity error.
func Capacity(msg string) *Error { return &Error{Kind: ErrCapacity, Msg: msg} }

// StaleState returns a new stale-state error.
func StaleState(msg string) *Error { return &Error{Kind: ErrStaleState, Msg: msg} }

// KindOf returns the kind sentinel of err, or nil when err is not classified.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrAuthorization, ErrNotFound, ErrCapacity, ErrStaleState} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message returns the user-facing text of err. Unclassified errors are
// reported generically so internal details never reach a client.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}
