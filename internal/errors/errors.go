// Package errors provides the error taxonomy shared by the ingestion workflows.
// Each failure is classified so the driver can decide locally what to do with the one
// target involved: retry, skip, record as no-data or abandon until the next run.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeDecode        ErrorType = "decode"        // malformed input artifact or response body
	ErrorTypeRateLimit     ErrorType = "rate_limit"    // HTTP 429, retried with backoff
	ErrorTypeFetchFatal    ErrorType = "fetch_fatal"   // non-429 HTTP error or transport failure
	ErrorTypeIO            ErrorType = "io"            // writing output or the marker file
	ErrorTypeConfiguration ErrorType = "configuration" // invalid settings or base directories
	ErrorTypeCanceled      ErrorType = "canceled"      // context canceled or deadline exceeded
	ErrorTypeTimeout       ErrorType = "timeout"       // one target ran past its time limit
	ErrorTypeUnknown       ErrorType = "unknown"
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Target    string    `json:"target,omitempty"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Target != "" {
		return fmt.Sprintf("[%s] %s %s: %v", ce.Type, ce.Operation, ce.Target, ce.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError of the same type, or the wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	ErrDecode     = &ClassifiedError{Type: ErrorTypeDecode}
	ErrRateLimit  = &ClassifiedError{Type: ErrorTypeRateLimit}
	ErrFetchFatal = &ClassifiedError{Type: ErrorTypeFetchFatal}
	ErrIO         = &ClassifiedError{Type: ErrorTypeIO}
)

// New classifies err under errorType.
func New(errorType ErrorType, operation, target string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Target:    target,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Decode wraps a decoding failure.
func Decode(operation, target string, err error) error {
	return New(ErrorTypeDecode, operation, target, err)
}

// RateLimited wraps a throttled response.
func RateLimited(operation, target string, err error) error {
	return New(ErrorTypeRateLimit, operation, target, err)
}

// Fatal wraps a failure that abandons the current target.
func Fatal(operation, target string, err error) error {
	return New(ErrorTypeFetchFatal, operation, target, err)
}

// IO wraps a failure writing output.
func IO(operation, target string, err error) error {
	return New(ErrorTypeIO, operation, target, err)
}

// Config wraps a configuration failure.
func Config(operation string, err error) error {
	return New(ErrorTypeConfiguration, operation, "", err)
}

// GetErrorType returns the classification of err, inferring one for unclassified errors.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeFetchFatal
	}
	return ErrorTypeUnknown
}
