package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrTransport     = errors.New("transport failure")
	ErrConfiguration = errors.New("invalid configuration")
	ErrDispatch      = errors.New("notification dispatch failed")
	ErrTimeout       = errors.New("timeout")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransport     ErrorType = "transport"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeCaller        ErrorType = "caller"
	ErrorTypeDispatch      ErrorType = "dispatch"
	ErrorTypeTimeout       ErrorType = "timeout"
)

// TelemetryError is a structured error for telemetry, rollout and cost operations.
type TelemetryError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "send_batch", "load_flags")
	Target     string // Endpoint, flag or sink name where the error occurred
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *TelemetryError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TelemetryError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *TelemetryError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrInvalidInput:
		return e.Type == ErrorTypeCaller
	case ErrTransport:
		return e.Type == ErrorTypeTransport
	case ErrConfiguration:
		return e.Type == ErrorTypeConfiguration
	case ErrDispatch:
		return e.Type == ErrorTypeDispatch
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	}

	return errors.Is(e.Err, target)
}

// NewTelemetryError creates a new TelemetryError
func NewTelemetryError(errorType ErrorType, op, target string, err error) *TelemetryError {
	return &TelemetryError{
		Type:      errorType,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *TelemetryError) WithStatusCode(code int) *TelemetryError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapTransportError wraps a sink or source transport failure.
func WrapTransportError(op, target string, err error) error {
	return NewTelemetryError(ErrorTypeTransport, op, target, err)
}

// WrapStatusError builds a transport error for a non-2xx HTTP response.
func WrapStatusError(op, target string, statusCode int) error {
	err := fmt.Errorf("unexpected status %d", statusCode)
	return NewTelemetryError(ErrorTypeTransport, op, target, err).WithStatusCode(statusCode)
}

// WrapConfigError wraps a configuration problem (malformed flags, unknown model, cycles).
func WrapConfigError(op, target string, err error) error {
	return NewTelemetryError(ErrorTypeConfiguration, op, target, err)
}

// CallerError reports a programming mistake at the call site.
func CallerError(op, format string, args ...any) error {
	return NewTelemetryError(ErrorTypeCaller, op, "", fmt.Errorf(format, args...))
}

// WrapDispatchError wraps an alert sink failure.
func WrapDispatchError(op, sink string, err error) error {
	return NewTelemetryError(ErrorTypeDispatch, op, sink, err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var telErr *TelemetryError
	if errors.As(err, &telErr) {
		return telErr.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// IsCallerError reports whether err is a caller (programming) error.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// StatusCode extracts the HTTP status code from err, or 0.
func StatusCode(err error) int {
	var telErr *TelemetryError
	if errors.As(err, &telErr) {
		return telErr.StatusCode
	}
	return 0
}
