// Package errors provides structured error handling for Journal Transporter.
//
// Every failure that crosses a component boundary is categorized through an
// ErrorType. The pipeline's retry executor bases its retry, continue and
// abort decisions purely on these categories; connectors only translate
// transport outcomes into them.
//
// Basic usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrorTypeNotFound, "article no longer exists upstream")
//
//	// Wrap a transport failure
//	if err := conn.get(url); err != nil {
//	    return errors.Wrap(err, errors.ErrorTypeNetwork, "fetch failed").
//	        WithDetail("url", url)
//	}
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for retry and
// abort decisions, monitoring, and process exit codes.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeNetwork represents transient network errors (timeouts, 5xx);
	// the only retryable category
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeAuth represents credential rejection; fatal for a pass
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeNotFound represents a resource missing upstream; per-resource
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeValidation represents a malformed payload; per-resource
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePrerequisite represents a missing prior stage (e.g. push
	// without a completed fetch); fatal and never retried
	ErrorTypePrerequisite ErrorType = "prerequisite"
	// ErrorTypeStoreCorruption represents an unreadable or torn store
	// document; fatal, surfaced immediately
	ErrorTypeStoreCorruption ErrorType = "store_corruption"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// Error represents a structured error with context.
//
// Fields:
//   - Type: Categorizes the error for handling strategies
//   - Message: Human-readable error description
//   - Cause: The underlying error that caused this error
//   - Details: Key-value pairs providing additional context
//   - Stack: Call stack at the point of error creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling errors.Is and errors.As
// over the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. If the error is already a structured Error,
// its stack trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// TypeOf returns the category of an error. Errors that are not structured
// Errors are reported as internal.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsRetryable returns true if the error may succeed on a later attempt.
// Only transient network failures qualify.
func IsRetryable(err error) bool {
	return TypeOf(err) == ErrorTypeNetwork
}

// IsFatal returns true if the error must stop the current pass rather
// than being recorded against a single resource.
func IsFatal(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeAuth, ErrorTypePrerequisite, ErrorTypeStoreCorruption, ErrorTypeConfig:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
