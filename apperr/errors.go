// Package apperr classifies failures crossing the client boundary. Only the
// public message of an *Error ever reaches a client; causes stay in logs.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the client-facing failure class.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindResourceLimit
	KindReplay
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindResourceLimit:
		return "resource_limit"
	case KindReplay:
		return "replay"
	default:
		return "internal"
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides the default HTTP status for the kind when non-zero.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed or out-of-range input.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Validationf wraps cause as a validation failure.
func Validationf(cause error, msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Err: cause}
}

// Auth reports a missing or invalid credential.
func Auth(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

// Forbidden is an auth failure answered with 403.
func Forbidden(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg, Status: http.StatusForbidden}
}

// NotFound reports an unknown or expired record.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// TooLarge is a resource limit failure answered with 413.
func TooLarge(msg string) *Error {
	return &Error{Kind: KindResourceLimit, Message: msg, Status: http.StatusRequestEntityTooLarge}
}

// Limit reports too many entries; answered with 429.
func Limit(msg string) *Error {
	return &Error{Kind: KindResourceLimit, Message: msg}
}

// Unavailable is a resource limit failure answered with 503.
func Unavailable(msg string) *Error {
	return &Error{Kind: KindResourceLimit, Message: msg, Status: http.StatusServiceUnavailable}
}

// Replay reports reuse of a single-use value.
func Replay(msg string) *Error {
	return &Error{Kind: KindReplay, Message: msg}
}

// Internal wraps an unexpected failure. The public message is always generic.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: cause}
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindResourceLimit:
		return http.StatusTooManyRequests
	case KindReplay:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message safe to show a client.
func Public(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}

// Code returns a short machine-readable error code for wire responses.
func Code(err error) string {
	return KindOf(err).String()
}
