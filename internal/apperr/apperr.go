// Package apperr defines the error taxonomy shared by every service client.
//
// Provider failures are translated into one of these kinds at the client
// boundary so handlers never see raw SDK or transport errors.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a failure class.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindUnavailable   Kind = "service_unavailable"
	KindUpstream      Kind = "upstream"
	KindTimeout       Kind = "timeout"
	KindValidation    Kind = "validation"
	KindStorage       Kind = "storage"
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
	KindCanceled      Kind = "canceled"
	KindInternal      Kind = "internal"
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned before a response was written.
const StatusClientClosedRequest = 499

// Sentinels usable with errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrUnavailable   = &Error{Kind: KindUnavailable}
	ErrUpstream      = &Error{Kind: KindUpstream}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrStorage       = &Error{Kind: KindStorage}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
)

// Error is a classified failure. Provider, Op, Status and Elapsed are for
// logs only; they never reach API responses.
type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Status   int
	Elapsed  time.Duration
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg += " " + e.Provider
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(" after %s", e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so sentinels compare equal to any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Configuration reports a missing or invalid credential. name is the
// environment variable at fault.
func Configuration(provider, name string) *Error {
	return &Error{Kind: KindConfiguration, Provider: provider, Msg: name + " is not set"}
}

// Invalid reports a credential that is present but malformed.
func Invalid(provider, name string, err error) *Error {
	return &Error{Kind: KindConfiguration, Provider: provider, Msg: name + " is invalid", Err: err}
}

func Unavailable(provider, op string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Provider: provider, Op: op, Msg: "service unavailable", Err: cause}
}

func Upstream(provider, op string, status int, err error) *Error {
	return &Error{Kind: KindUpstream, Provider: provider, Op: op, Status: status, Err: err}
}

func Timeout(provider, op string, elapsed time.Duration, err error) *Error {
	return &Error{Kind: KindTimeout, Provider: provider, Op: op, Elapsed: elapsed, Err: err}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func Storage(provider, op string, err error) *Error {
	return &Error{Kind: KindStorage, Provider: provider, Op: op, Err: err}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

// KindOf returns the kind of err. A bare context.Canceled is KindCanceled;
// any other unclassified error is KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	case KindUpstream, KindStorage:
		return http.StatusBadGateway
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the client-safe text for err. Validation and not-found
// messages are caller facing; everything else is generic.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindNotFound, KindUnauthorized:
			if e.Msg != "" {
				return e.Msg
			}
		}
	}
	switch KindOf(err) {
	case KindValidation:
		return "invalid request"
	case KindUnauthorized:
		return "authentication required"
	case KindNotFound:
		return "not found"
	case KindUnavailable:
		return "service temporarily unavailable"
	case KindTimeout:
		return "upstream service timed out, please retry"
	case KindUpstream:
		return "upstream service error"
	case KindStorage:
		return "storage operation failed"
	case KindConfiguration:
		return "service misconfigured"
	case KindCanceled:
		return "request canceled"
	default:
		return "internal error"
	}
}
