// Package errors provides structured error handling for Cascade
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeInputNotFound represents a missing or unreadable input
	ErrorTypeInputNotFound ErrorType = "input_not_found"
	// ErrorTypeUnsupportedInput represents an input the pipeline cannot handle
	ErrorTypeUnsupportedInput ErrorType = "unsupported_input"
	// ErrorTypeProcessing represents a failure raised by a processing function
	ErrorTypeProcessing ErrorType = "processing"
	// ErrorTypeStream represents an I/O failure mid-stream
	ErrorTypeStream ErrorType = "stream"
	// ErrorTypeResourcePressure represents rejection under critical resource pressure
	ErrorTypeResourcePressure ErrorType = "resource_pressure"
	// ErrorTypeCacheCompute represents a failure inside a cache compute function
	ErrorTypeCacheCompute ErrorType = "cache_compute"
	// ErrorTypeCancelled represents cooperative cancellation of a job
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeTimeout represents deadline expiry
	ErrorTypeTimeout ErrorType = "timeout"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
	// Fatal marks the error as non-retryable regardless of type. Processing
	// functions use this to opt a failure out of the retry policy.
	Fatal bool
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

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// MarkFatal flags the error as terminal so retry policies skip it
func (e *Error) MarkFatal() *Error {
	e.Fatal = true
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack and fatal marking
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
			Fatal:   existingErr.Fatal,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable. Processing and stream
// failures are transient unless marked fatal; classification, cancellation,
// and admission errors are not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Fatal {
		return false
	}

	switch e.Type {
	case ErrorTypeProcessing, ErrorTypeStream, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error carries an explicit fatal marking
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Fatal
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack
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
