package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the failure taxonomy. Every failure surfaced by the
// router maps to exactly one code.
type ErrorCode string

const (
	ErrInvalidInput   ErrorCode = "invalid-input"
	ErrSafetyBlock    ErrorCode = "safety-block"
	ErrRateLimited    ErrorCode = "rate-limited"
	ErrRoutingFailure ErrorCode = "routing-failure"
	ErrCircuitOpen    ErrorCode = "circuit-open"
	ErrUpstreamError  ErrorCode = "upstream-error"
	ErrTimeout        ErrorCode = "timeout"
	ErrInternal       ErrorCode = "internal"
)

// RouterError carries a taxonomy code alongside the human-readable
// message and the request it belongs to.
type RouterError struct {
	Code      ErrorCode      `json:"error"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *RouterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RouterError) Unwrap() error { return e.Err }

// NewError builds a RouterError with the given code and message.
func NewError(code ErrorCode, message string) *RouterError {
	return &RouterError{Code: code, Message: message}
}

// Errorf builds a RouterError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *RouterError {
	return &RouterError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error.
func WrapError(code ErrorCode, message string, err error) *RouterError {
	return &RouterError{Code: code, Message: message, Err: err}
}

// WithRequestID returns a copy carrying the request id.
func (e *RouterError) WithRequestID(id string) *RouterError {
	dup := *e
	dup.RequestID = id
	return &dup
}

// WithDetail returns a copy with one detail key set.
func (e *RouterError) WithDetail(key string, value any) *RouterError {
	dup := *e
	dup.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		dup.Details[k] = v
	}
	dup.Details[key] = value
	return &dup
}

// CodeOf extracts the taxonomy code from any error. Unknown errors are
// classified internal.
func CodeOf(err error) ErrorCode {
	var re *RouterError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, nil) {
		return ""
	}
	return ErrInternal
}

// StatusFor maps a taxonomy code to its HTTP status.
func StatusFor(code ErrorCode) int {
	switch code {
	case ErrInvalidInput:
		return http.StatusBadRequest
	case ErrSafetyBlock:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrRoutingFailure, ErrCircuitOpen, ErrUpstreamError:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// SkipsFallback reports whether a failure with this code surfaces to
// the caller without attempting the next candidate.
func SkipsFallback(code ErrorCode) bool {
	switch code {
	case ErrInvalidInput, ErrSafetyBlock, ErrRateLimited:
		return true
	}
	return false
}
