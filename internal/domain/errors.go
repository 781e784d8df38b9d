package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced to API callers.
type ErrorKind string

const (
	KindBadRequest   ErrorKind = "bad_request"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindRateLimit    ErrorKind = "rate_limit"
	KindConflict     ErrorKind = "conflict"
	KindUpstream     ErrorKind = "upstream"
	KindUnconfigured ErrorKind = "unconfigured"
	KindOffline      ErrorKind = "offline"
)

// ErrLeaseHeld is returned by ChatStore.AcquireLease while another
// generation holds the chat.
var ErrLeaseHeld = errors.New("chat lease held")

// ErrMessageIDTaken is returned by ChatStore.SaveMessages when a message id
// already belongs to a different chat.
var ErrMessageIDTaken = errors.New("message id belongs to another chat")

// Error is an API-facing failure. Surface names the resource involved
// (api, chat, stream, ...); Code() renders "<kind>:<surface>".
type Error struct {
	Kind    ErrorKind
	Surface string
	Cause   string
	Err     error
}

func NewError(kind ErrorKind, surface string) *Error {
	return &Error{Kind: kind, Surface: surface}
}

func (e *Error) WithCause(cause string) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func (e *Error) Code() string {
	return string(e.Kind) + ":" + e.Surface
}

func (e *Error) Error() string {
	msg := e.Code()
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and surface so that sentinel values compare with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Surface == e.Surface
}

// Message is a human-readable description for the kind.
func (e *Error) Message() string {
	switch e.Kind {
	case KindBadRequest:
		return "The request couldn't be processed. Please check your input and try again."
	case KindUnauthorized:
		return "You need to sign in before continuing."
	case KindForbidden:
		return "You don't have access to this resource."
	case KindNotFound:
		return "The requested resource was not found."
	case KindRateLimit:
		return "You have exceeded your maximum number of messages for the day."
	case KindConflict:
		return "A response is already being generated for this chat."
	case KindUpstream:
		return "The model provider failed to respond."
	case KindUnconfigured:
		return "Resumable streams are not configured."
	default:
		return "Something went wrong. Please try again later."
	}
}

// StatusCode maps the kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	case KindUnconfigured:
		return http.StatusNoContent
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a *Error from err, falling back to offline:<surface>.
func AsError(err error, surface string) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewError(KindOffline, surface).Wrap(err)
}
