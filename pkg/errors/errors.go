// Package errors defines the error types used across the exchange subsystem.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error codes for the subsystem.
const (
	CodeUnknown           = "UNKNOWN_ERROR"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeTransportError    = "TRANSPORT_ERROR"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeConsistencyError  = "CONSISTENCY_ERROR"
	CodeUnsupported       = "UNSUPPORTED"
	CodeConfigError       = "CONFIG_ERROR"
)

// Frame records one site an error propagated through.
type Frame struct {
	File     string
	Function string
	Line     int
	// Note carries optional per-site diagnostics (sizes, input summaries).
	Note string
}

func (f Frame) String() string {
	if f.Note != "" {
		return fmt.Sprintf("%s:%s:%d (%s)", f.File, f.Function, f.Line, f.Note)
	}
	return fmt.Sprintf("%s:%s:%d", f.File, f.Function, f.Line)
}

// AppError is an error with a code, a message, and the chain of sites it
// propagated through, innermost first.
type AppError struct {
	Code    string
	Message string
	Err     error
	Frames  []Frame
}

// Error implements the error interface.
func (e *AppError) Error() string {
	var b strings.Builder
	if e.Err != nil {
		fmt.Fprintf(&b, "[%s] %s: %v", e.Code, e.Message, e.Err)
	} else {
		fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	}
	for _, f := range e.Frames {
		b.WriteString("\n\tat ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on the error code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error instances.
var (
	ErrInvalidArgument   = New(CodeInvalidArgument, "invalid argument")
	ErrTransportError    = New(CodeTransportError, "transport error")
	ErrResourceExhausted = New(CodeResourceExhausted, "resource exhausted")
	ErrConsistencyError  = New(CodeConsistencyError, "consistency error")
	ErrUnsupported       = New(CodeUnsupported, "operation not supported")
)

// Trace appends the caller's site to the error's frame chain. A nil error
// stays nil; a non-AppError is wrapped first so the chain has somewhere to
// live.
func Trace(err error) error {
	return trace(err, 2, "")
}

// TraceNote is Trace with per-site diagnostics attached to the frame.
func TraceNote(err error, format string, args ...interface{}) error {
	return trace(err, 2, fmt.Sprintf(format, args...))
}

func trace(err error, skip int, note string) error {
	if err == nil {
		return nil
	}

	app, ok := err.(*AppError)
	if !ok {
		app = &AppError{Code: GetErrorCode(err), Message: err.Error(), Err: err}
	}

	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return app
	}

	fn := "?"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = shortFuncName(f.Name())
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}

	app.Frames = append(app.Frames, Frame{File: file, Function: fn, Line: line, Note: note})
	return app
}

func shortFuncName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// IsInvalidArgument checks if the error is an invalid-argument error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsTransportError checks if the error is a transport error.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportError)
}

// IsUnsupported checks if the error is an unsupported-operation error.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
