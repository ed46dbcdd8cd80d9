// Package errors provides structured error handling for the replication runtime
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"go.uber.org/zap"
)

// ErrorType represents the category of error
type ErrorType string

// General categories
const (
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeData       ErrorType = "data"
	ErrorTypeFile       ErrorType = "file"
	ErrorTypeQuery      ErrorType = "query"
)

// Plugin and flow failures
const (
	// ErrorTypePluginLoad marks a bundle that could not be loaded. It is
	// recorded against the bundle and never stops the loader.
	ErrorTypePluginLoad ErrorType = "plugin_load"
	// ErrorTypeCapabilityMissing marks an attempt to invoke a capability the
	// plugin did not register. Always fatal.
	ErrorTypeCapabilityMissing ErrorType = "capability_missing"
	ErrorTypeSchemaMismatch    ErrorType = "schema_mismatch"
	// ErrorTypeUnknownType marks a native type expression no mapping entry matches
	ErrorTypeUnknownType ErrorType = "unknown_type"
	// ErrorTypeWriteBatch marks a partially failed write-record batch
	ErrorTypeWriteBatch ErrorType = "write_batch"
	// ErrorTypeStreamConnect marks stream read failures, retried by the monitor
	ErrorTypeStreamConnect ErrorType = "stream_connect"
	// ErrorTypeBatchRead marks batch read failures, fatal to the flow
	ErrorTypeBatchRead ErrorType = "batch_read"
)

// Error represents a structured error with context
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

// Detail returns a detail value, searching wrapped errors as well
func (e *Error) Detail(key string) (interface{}, bool) {
	var cur error = e
	for cur != nil {
		var se *Error
		if !errors.As(cur, &se) {
			return nil, false
		}
		if v, ok := se.Details[key]; ok {
			return v, true
		}
		cur = se.Cause
	}
	return nil, false
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
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

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeStreamConnect:
		return true
	default:
		return false
	}
}

// IsType checks if the error, or any error it wraps, is of the given type
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the outermost structured type of err, or ErrorTypeInternal
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// Fields renders err for structured logging: the error itself, its type and
// the details collected along the chain, outermost first
func Fields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var e *Error
	if !errors.As(err, &e) {
		return fields
	}
	fields = append(fields, zap.String("error_type", string(e.Type)))
	seen := map[string]bool{}
	for cur := error(e); cur != nil; {
		var se *Error
		if !errors.As(cur, &se) {
			break
		}
		keys := make([]string, 0, len(se.Details))
		for k := range se.Details {
			if !seen[k] && k != "stack" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = true
			fields = append(fields, zap.Any(k, se.Details[k]))
		}
		cur = se.Cause
	}
	return fields
}

// Is and As re-export the standard library helpers so callers need a single import
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool { return errors.As(err, target) }

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
