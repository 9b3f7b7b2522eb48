// Package errors provides the error taxonomy shared by the pool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeMalformed marks unparsable or unknown protocol messages
	ErrorTypeMalformed ErrorType = "malformed_message"
	// ErrorTypeUnauthorized marks requests from sessions that have not authorized
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	// ErrorTypeCapacity marks an exhausted extra-nonce space
	ErrorTypeCapacity ErrorType = "capacity_exceeded"
	// ErrorTypeJobNotFound marks a submit against an unknown job
	ErrorTypeJobNotFound ErrorType = "job_not_found"
	// ErrorTypeJobExpired marks a submit against a job older than the job timeout
	ErrorTypeJobExpired ErrorType = "job_expired"
	// ErrorTypeUpstream marks node RPC failures and timeouts
	ErrorTypeUpstream ErrorType = "upstream_unavailable"
	// ErrorTypePersistence marks share store failures
	ErrorTypePersistence ErrorType = "persistence"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeMessaging represents Kafka messaging errors
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context. The retry verdict of a wrapped
// ServiceError is kept; plain errors are classified by type and message.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err) || isRetryableByType(errorType)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}
	if errors.Is(err, context.Canceled) {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging, ErrorTypeUpstream:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"broken pipe",
		"timeout",
		"temporary failure",
		"too many connections",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type anywhere in its chain
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
