package main

import (
	"fmt"
	"strings"
)

// ErrorCode represents specific error types for better categorization
type ErrorCode string

const (
	// Provisioning errors
	ErrGroupCreation ErrorCode = "group_creation_failed"
	ErrUserCreation  ErrorCode = "user_creation_failed"
	ErrOwnership     ErrorCode = "ownership_failed"

	// Hand-off errors
	ErrPrivilegeDrop ErrorCode = "privilege_drop_failed"

	// Socket bridge errors
	ErrResourceAccess ErrorCode = "resource_access_denied"

	// Configuration errors
	ErrConfigValidation ErrorCode = "config_validation_failed"

	// Recipe and spec errors
	ErrRecipeRender ErrorCode = "recipe_render_failed"
	ErrOCIPatch     ErrorCode = "oci_patch_failed"

	// System errors
	ErrSystemCall ErrorCode = "system_call_failed"
)

// BootstrapError represents a structured error with context. Every
// provisioning and hand-off failure is fatal; account creation has no
// transient failure mode, so no retry flag is carried.
type BootstrapError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// Error implements the error interface
func (e *BootstrapError) Error() string {
	var parts []string

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Component))
	}

	parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		var contextParts []string
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Cause))
	}

	return strings.Join(parts, " ")
}

// Unwrap provides compatibility with errors.Is and errors.As
func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// GetCode returns the error code
func (e *BootstrapError) GetCode() ErrorCode {
	return e.Code
}

// NewBootstrapError creates a new structured bootstrap error
func NewBootstrapError(code ErrorCode, message string) *BootstrapError {
	return &BootstrapError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewBootstrapErrorWithCause creates a new bootstrap error with a cause
func NewBootstrapErrorWithCause(code ErrorCode, message string, cause error) *BootstrapError {
	return &BootstrapError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BootstrapError) WithContext(key string, value interface{}) *BootstrapError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component that generated the error
func (e *BootstrapError) WithComponent(component string) *BootstrapError {
	e.Component = component
	return e
}

// Helper functions for common error patterns

// WrapSystemError wraps a system error with bootstrap error context
func WrapSystemError(syscall string, err error) *BootstrapError {
	return NewBootstrapErrorWithCause(ErrSystemCall,
		fmt.Sprintf("system call '%s' failed", syscall), err).
		WithContext("syscall", syscall).
		WithComponent("system")
}

// WrapConfigError wraps a configuration error
func WrapConfigError(field string, err error) *BootstrapError {
	return NewBootstrapErrorWithCause(ErrConfigValidation,
		fmt.Sprintf("configuration validation failed for field '%s'", field), err).
		WithContext("field", field).
		WithComponent("config")
}

// IsErrorCode checks if an error matches a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	if bootstrapErr, ok := err.(*BootstrapError); ok {
		return bootstrapErr.Code == code
	}
	return false
}
