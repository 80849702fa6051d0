package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Proctor.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Launcher lifecycle
	ErrCodeInvalidTransition ErrorCode = 2001
	ErrCodeBrowserNotFound   ErrorCode = 2002
	ErrCodeProcessStartFail  ErrorCode = 2003
	ErrCodeCaptureTimeout    ErrorCode = 2004
	ErrCodeBrowserCrashed    ErrorCode = 2005

	// File list
	ErrCodeGlobFailed       ErrorCode = 3001
	ErrCodeStatFailed       ErrorCode = 3002
	ErrCodePreprocessFailed ErrorCode = 3003

	// Server & control
	ErrCodeBindFailed    ErrorCode = 4001
	ErrCodeControlFailed ErrorCode = 4002
	ErrCodeRunFailed     ErrorCode = 4003
)

// ProctorError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type ProctorError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *ProctorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *ProctorError) Unwrap() error {
	return e.Err
}

// Is reports a match when target is a ProctorError carrying the same code,
// so sentinel errors can be compared with errors.Is after wrapping.
func (e *ProctorError) Is(target error) bool {
	t, ok := target.(*ProctorError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Operation == "" || t.Operation == e.Operation)
}

// New creates a new ProctorError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &ProctorError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// Sentinel creates a comparable error identified by its code only.
func Sentinel(code ErrorCode, msg string) error {
	return &ProctorError{Code: code, Msg: msg}
}

// CodeOf returns the code of the first ProctorError in err's chain.
func CodeOf(err error) ErrorCode {
	var pe *ProctorError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// Personal.AI order the ending
