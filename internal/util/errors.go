package util

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors in devproxy
type ErrorType string

const (
	// ConfigurationError represents a malformed rule pattern, target URL or script
	ConfigurationError ErrorType = "configuration error"
	// ValidationError represents validation failures on management input
	ValidationError ErrorType = "validation error"
	// MissingResourceError represents missing resource errors
	MissingResourceError ErrorType = "missing resource error"
	// UpstreamError represents transport failures while forwarding live
	UpstreamError ErrorType = "upstream error"
	// InsufficientAccessError represents requests blocked by the allow-list
	InsufficientAccessError ErrorType = "insufficient access error"
)

// ErrNoRoute is returned when neither a rule nor the domain fallback
// produced a target for a request.
var ErrNoRoute = errors.New("no route")

// ProxyError represents a devproxy-specific error
type ProxyError struct {
	Type    ErrorType
	Message string
	Source  interface{}
	Details error
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause
func (e *ProxyError) Unwrap() error {
	return e.Details
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, source interface{}, details error) *ProxyError {
	return &ProxyError{
		Type:    ConfigurationError,
		Message: message,
		Source:  source,
		Details: details,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, source interface{}) *ProxyError {
	return &ProxyError{
		Type:    ValidationError,
		Message: message,
		Source:  source,
	}
}

// NewMissingResourceError creates a new missing resource error
func NewMissingResourceError(message string, source interface{}) *ProxyError {
	return &ProxyError{
		Type:    MissingResourceError,
		Message: message,
		Source:  source,
	}
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, source interface{}, details error) *ProxyError {
	return &ProxyError{
		Type:    UpstreamError,
		Message: message,
		Source:  source,
		Details: details,
	}
}

// NewInsufficientAccessError creates a new insufficient access error
func NewInsufficientAccessError(message string) *ProxyError {
	return &ProxyError{
		Type:    InsufficientAccessError,
		Message: message,
	}
}

// IsType reports whether err is a ProxyError of the given type
func IsType(err error, t ErrorType) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Type == t
	}
	return false
}
