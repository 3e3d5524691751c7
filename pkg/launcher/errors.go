package launcher

import (
	"errors"
	"fmt"
	"strings"
)

// LauncherError represents an error with additional context for troubleshooting.
type LauncherError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Argument errors
	ErrorCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Resource errors
	ErrorCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrorCodeListenFailed      ErrorCode = "LISTEN_FAILED"

	// Launch errors
	ErrorCodeClientIOFailed ErrorCode = "CLIENT_IO_FAILED"
	ErrorCodeLaunchFailed   ErrorCode = "LAUNCH_FAILED"
)

// Error implements the error interface
func (e *LauncherError) Error() string {
	var parts []string

	// Start with code and message
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	// Add context if present
	if len(e.Context) > 0 {
		var contextParts []string
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	// Add underlying cause if present
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	// Add suggestion if present
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *LauncherError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LauncherError with the given code and message
func NewError(code ErrorCode, message string) *LauncherError {
	return &LauncherError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *LauncherError) WithContext(key string, value interface{}) *LauncherError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *LauncherError) WithCause(cause error) *LauncherError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *LauncherError) WithSuggestion(suggestion string) *LauncherError {
	e.Suggestion = suggestion
	return e
}

// Common error constructors with helpful suggestions

// ErrInvalidArgument creates an error for a rejected launch input
func ErrInvalidArgument(field string, value interface{}, reason string) *LauncherError {
	return NewError(ErrorCodeInvalidArgument,
		fmt.Sprintf("Invalid argument: %s", reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSuggestion(
			"Check the step context and launch parameters:\n" +
				"  - the step must have at least one node and one task\n" +
				"  - every node needs a daemon address\n" +
				"  - the step credential must be signed")
}

// ErrResourceExhausted creates an error for descriptor or port exhaustion
func ErrResourceExhausted(resource string, cause error) *LauncherError {
	return NewError(ErrorCodeResourceExhausted,
		fmt.Sprintf("Out of %s", resource)).
		WithContext("resource", resource).
		WithCause(cause).
		WithSuggestion(
			"Raise the open file limit (ulimit -n) or reduce the number of\n" +
				"concurrent steps launched from this process")
}

// ErrListenFailed creates an error for a message listener that could not bind
func ErrListenFailed(addr string, cause error) *LauncherError {
	return NewError(ErrorCodeListenFailed,
		fmt.Sprintf("Failed to open message listener on %s", addr)).
		WithContext("listen_addr", addr).
		WithCause(cause).
		WithSuggestion(
			"Verify the listen address is local to this host and not firewalled.\n" +
				"Use port 0 to let the system pick an ephemeral port")
}

// ErrClientIOFailed creates an error for client I/O setup failures
func ErrClientIOFailed(stage string, cause error) *LauncherError {
	return NewError(ErrorCodeClientIOFailed,
		fmt.Sprintf("Client I/O %s failed", stage)).
		WithContext("stage", stage).
		WithCause(cause)
}

// ErrLaunchFailed creates an error for a launch request that did not reach the nodes
func ErrLaunchFailed(root string, nodes int, cause error) *LauncherError {
	return NewError(ErrorCodeLaunchFailed,
		fmt.Sprintf("Launch request to %d node(s) failed", nodes)).
		WithContext("root_node", root).
		WithContext("nodes", nodes).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Common causes:\n"+
				"  1. Node daemon on %s is not running\n"+
				"  2. Auth key differs between this host and the nodes\n"+
				"  3. Timeout too short for the size of the forwarding tree",
			root))
}

// IsErrorCode checks if an error has the specified error code
func IsErrorCode(err error, code ErrorCode) bool {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or empty string if not a LauncherError
func GetErrorCode(err error) ErrorCode {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Suggestion
	}
	return ""
}
