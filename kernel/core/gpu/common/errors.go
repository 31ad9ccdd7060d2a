package common

import (
	"errors"
	"fmt"
)

// Error codes for driver operations
const (
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeOutOfMemory       = "OUT_OF_MEMORY"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeBanned            = "BANNED"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeBusy              = "BUSY"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeNoWork            = "NO_WORK"
)

// Error is the driver error type: a stable code for programmatic handling plus
// context for logs.
type Error struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrQueueFull)
// holds for contextualized copies.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new driver error
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a driver error code
func WrapError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is. Never mutate them; use the constructors below to
// attach context.
var (
	ErrProtocol          = &Error{Code: ErrCodeProtocol, Message: "malformed channel record"}
	ErrNotFound          = &Error{Code: ErrCodeNotFound, Message: "not found"}
	ErrOutOfMemory       = &Error{Code: ErrCodeOutOfMemory, Message: "out of memory"}
	ErrResourceExhausted = &Error{Code: ErrCodeResourceExhausted, Message: "resource exhausted"}
	ErrQueueFull         = &Error{Code: ErrCodeQueueFull, Message: "queue full"}
	ErrBanned            = &Error{Code: ErrCodeBanned, Message: "context banned"}
	ErrInvalidArgument   = &Error{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrBusy              = &Error{Code: ErrCodeBusy, Message: "busy"}
	ErrNotReady          = &Error{Code: ErrCodeNotReady, Message: "device not ready"}
	ErrNoWork            = &Error{Code: ErrCodeNoWork, Message: "no work"}
)

// Common error constructors

func ErrProtocolf(format string, args ...interface{}) *Error {
	return NewError(ErrCodeProtocol, fmt.Sprintf(format, args...))
}

func ErrContextNotFound(contextID uint32) *Error {
	return NewError(ErrCodeNotFound, "context not found").
		WithContext("context_id", contextID)
}

func ErrObjectNotFound(objectID uint32) *Error {
	return NewError(ErrCodeNotFound, "buffer object not found").
		WithContext("object_id", objectID)
}

func ErrSurfaceNotFound(handle uint32) *Error {
	return NewError(ErrCodeNotFound, "surface not found").
		WithContext("surface", handle)
}

func ErrContextBanned(contextID uint32, banScore int) *Error {
	return NewError(ErrCodeBanned, "context banned").
		WithContext("context_id", contextID).
		WithContext("ban_score", banScore)
}

func ErrInvalid(format string, args ...interface{}) *Error {
	return NewError(ErrCodeInvalidArgument, fmt.Sprintf(format, args...))
}

func ErrBusyf(format string, args ...interface{}) *Error {
	return NewError(ErrCodeBusy, fmt.Sprintf(format, args...))
}
