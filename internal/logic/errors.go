package logic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNilRedisStore is returned when a RedisStore pointer is nil or uninitialized.
var ErrNilRedisStore = errors.New("redis store is nil")

// ValidationError reports a bad request. It is never retried and never
// counted against a circuit breaker.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrNoChannels       = &ValidationError{Msg: "No channels specified"}
	ErrTooManyChannels  = &ValidationError{Msg: "Too many channels specified"}
	ErrMissingTargeting = &ValidationError{Msg: "Missing targeting context"}
)

// UpstreamError reports a failed, timed out or malformed backend call.
type UpstreamError struct {
	Op     string
	Status int // backend HTTP status, 0 when the call never completed
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CapacityError is returned when a bulkhead has no free permit.
type CapacityError struct {
	Op string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: capacity exhausted", e.Op)
}

// IsClientError reports whether err, or anything it wraps, is a ValidationError.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// HTTPStatus maps an error onto the status returned to callers.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ce *CapacityError
		ue *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &ue):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show callers. Only validation
// errors expose their text.
func PublicMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Msg
	}
	return http.StatusText(HTTPStatus(err))
}
