// Package fault defines the error taxonomy shared by the scheduler, the
// turn engine, the tool service, and the HTTP surface.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorizes an error for propagation and retry decisions.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindBusy                Kind = "busy"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalidArguments    Kind = "invalid_arguments"
	KindToolDenied          Kind = "tool_denied"
	KindToolTimeout         Kind = "tool_timeout"
	KindToolRuntime         Kind = "tool_runtime"
	KindToolLoopLimit       Kind = "tool_loop_limit"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error carries a kind, a human-readable message and an optional cause.
// RetryAfter is set for rate-limit errors that carry an upstream hint.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain. Context cancellations map
// to Cancelled; anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable reports whether the scheduler may retry the work item that
// produced this error. Only upstream flakiness qualifies; everything else
// terminates the turn.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUpstreamUnavailable:
		return true
	case KindToolRuntime:
		var fe *Error
		if errors.As(err, &fe) {
			return fe.RetryAfter > 0
		}
		return false
	default:
		return false
	}
}

// WithRetryAfter attaches an upstream retry hint to the error.
func WithRetryAfter(err *Error, after time.Duration) *Error {
	err.RetryAfter = after
	return err
}

// RetryAfter returns the upstream-supplied retry hint, if any.
func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// HTTPStatus maps a kind to the status code returned by the API surface.
// Ownership violations surface as NotFound, never Forbidden, so foreign
// resources are indistinguishable from absent ones.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindToolDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy, KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindInvalidArguments:
		return http.StatusBadRequest
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage renders a short, human-readable description for end users.
// Stack traces and internal details never cross this boundary.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindRateLimited:
		return "The model provider is rate limiting requests. Please try again shortly."
	case KindUpstreamUnavailable:
		return "The model provider is currently unavailable. Please try again."
	case KindToolLoopLimit:
		return "The assistant made too many tool calls in one turn and was stopped."
	case KindToolTimeout:
		return "A tool took too long to respond and was cancelled."
	case KindToolDenied:
		return "That tool is not permitted by the current policy."
	case KindBusy:
		return "The conversation queue is full. Please wait for the current reply to finish."
	case KindCancelled:
		return "The request was cancelled."
	default:
		return "Something went wrong while generating the reply."
	}
}
