// Package apperr defines the structured error taxonomy shared across the
// indexer core. Components raise a *Error carrying a Kind the HTTP layer and
// the queue workers can switch on without inspecting message strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of a structured error.
type Kind string

const (
	KindInputInvalid         Kind = "INPUT_INVALID"
	KindNotFound             Kind = "NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindOrderViolation       Kind = "ORDER_VIOLATION"
	KindResourceUnsupported  Kind = "RESOURCE_UNSUPPORTED"
	KindChainUnavailable     Kind = "CHAIN_UNAVAILABLE"
	KindPricingStale         Kind = "PRICING_STALE"
	KindAuthorizationRequired Kind = "AUTHORIZATION_REQUIRED"
	KindInternal             Kind = "INTERNAL_ERROR"
)

var httpStatus = map[Kind]int{
	KindInputInvalid:          http.StatusBadRequest,
	KindNotFound:               http.StatusNotFound,
	KindConflict:               http.StatusConflict,
	KindOrderViolation:         http.StatusConflict,
	KindResourceUnsupported:    http.StatusUnprocessableEntity,
	KindChainUnavailable:       http.StatusServiceUnavailable,
	KindPricingStale:           http.StatusServiceUnavailable,
	KindAuthorizationRequired:  http.StatusForbidden,
	KindInternal:               http.StatusInternalServerError,
}

// Error is the structured error type raised by every indexer component.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]interface{}
	RetryAfter int // seconds; only meaningful for CHAIN_UNAVAILABLE / PRICING_STALE
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a detail key/value and returns the same error for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the status code this error's kind maps to.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs a new structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InputInvalid(field, reason string) *Error {
	return New(KindInputInvalid, "invalid input").WithDetails("field", field).WithDetails("reason", reason)
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "resource not found").WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func OrderViolation(from, to string) *Error {
	return New(KindOrderViolation, "illegal state transition").WithDetails("from", from).WithDetails("to", to)
}

func ChainUnavailable(reason string, retryAfterSeconds int) *Error {
	e := New(KindChainUnavailable, reason)
	e.RetryAfter = retryAfterSeconds
	return e
}

func AuthorizationRequired(message string) *Error {
	return New(KindAuthorizationRequired, message)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err is not a *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
