// Package errors provides coded, wrappable errors for the export service.
// Every error carries a Code used for HTTP mapping and for telling retryable
// render failures apart from permanent ones.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code represents an error code for categorization.
type Code string

// General purpose codes.
const (
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeTimeout         Code = "TIMEOUT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeResourceExhaust Code = "RESOURCE_EXHAUSTED"
)

// Export pipeline codes. EngineCreation, RenderTimeout and Capture are
// retried by the item renderer; Render is a job that ran out of retries;
// WorkerCrash is a unit-level failure that requeues the whole chunk;
// ChunkExhausted marks jobs of a chunk that ran out of requeues.
const (
	CodeEngineCreation Code = "ENGINE_CREATION"
	CodeRenderTimeout  Code = "RENDER_TIMEOUT"
	CodeCapture        Code = "CAPTURE_ERROR"
	CodeRender         Code = "RENDER_ERROR"
	CodeWorkerCrash    Code = "WORKER_CRASH"
	CodeChunkExhausted Code = "CHUNK_EXHAUSTED"
)

// Error is a custom error type with additional context.
type Error struct {
	// Code is the error code for categorization.
	Code Code
	// Message is the human-readable error message.
	Message string
	// Op is the operation that failed (e.g., "renderer.capture").
	Op string
	// Err is the underlying error.
	Err error
	// Fields contains additional context fields.
	Fields map[string]any
	// Stack contains the stack trace at error creation.
	Stack []Frame
}

// Frame represents a single stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField adds a field to the error.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the error.
func (e *Error) WithFields(fields map[string]any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeBadRequest:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict, CodeAlreadyExists:
		return 409
	case CodeResourceExhaust:
		return 429
	case CodeTimeout:
		return 504
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

// StackTrace returns the stack trace as a formatted string.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

// New creates a new error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps err with an operation and message, keeping the code of an
// already coded error and defaulting to CodeInternal otherwise.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}

	code := CodeInternal
	var fields map[string]any
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
		fields = e.Fields
	}

	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Fields:  fields,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an error with formatted message.
func Wrapf(err error, op string, format string, args ...any) *Error {
	return Wrap(err, op, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// NotFound creates a not found error.
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// ValidationField creates a validation error for a specific field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// EngineCreation wraps a failure to start a rendering engine.
func EngineCreation(err error) *Error {
	return WrapWithCode(err, CodeEngineCreation, "lease.acquire", "failed to create render engine")
}

// RenderTimeout reports a surface that did not reach network idle in time.
func RenderTimeout(err error) *Error {
	return WrapWithCode(err, CodeRenderTimeout, "renderer.load", "page did not become idle in time")
}

// Capture wraps a failure to capture or encode the rendered bitmap.
func Capture(err error) *Error {
	return WrapWithCode(err, CodeCapture, "renderer.capture", "failed to capture rendered page")
}

// Render reports a job whose local retries are exhausted.
func Render(err error, attempts int) *Error {
	return WrapWithCode(err, CodeRender, "renderer.render",
		fmt.Sprintf("render failed after %d attempts", attempts)).
		WithField("attempts", attempts)
}

// WorkerCrash reports a unit that exited abnormally.
func WorkerCrash(chunkID string, cause error) *Error {
	return WrapWithCode(cause, CodeWorkerCrash, "unit.run", "worker unit crashed").
		WithField("chunk_id", chunkID)
}

// ChunkExhausted marks a job whose chunk ran out of requeues.
func ChunkExhausted(chunkID string, attempts int, cause error) *Error {
	e := &Error{
		Code:    CodeChunkExhausted,
		Message: fmt.Sprintf("chunk failed after %d dispatches", attempts),
		Op:      "scheduler.requeue",
		Err:     cause,
		Stack:   captureStack(2),
	}
	return e.WithField("chunk_id", chunkID).WithField("attempts", attempts)
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus extracts the HTTP status from an error.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

// GetFields extracts fields from an error.
func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsRetryableRender reports whether the item renderer should try again.
func IsRetryableRender(err error) bool {
	switch GetCode(err) {
	case CodeRender, CodeChunkExhausted, CodeValidation:
		return false
	default:
		return true
	}
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()

		if strings.Contains(frame.File, "runtime/") {
			if !more {
				break
			}
			continue
		}

		frames = append(frames, Frame{
			File:     frame.File,
			Line:     frame.Line,
			Function: frame.Function,
		})

		if !more || len(frames) >= 10 {
			break
		}
	}

	return frames
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience wrapper for errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
