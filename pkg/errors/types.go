// Package errors defines the coded error type shared by tandem packages.
// Callers match on codes with errors.Is against a Sentinel or with IsCode.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	ErrCodeModelAPIError  ErrorCode = "MODEL_API_ERROR"
	ErrCodeModelRateLimit ErrorCode = "MODEL_RATE_LIMIT"
	ErrCodeModelScript    ErrorCode = "MODEL_SCRIPT_EXHAUSTED"

	ErrCodeInteractionCancelled ErrorCode = "INTERACTION_CANCELLED"
	ErrCodeInteractionPending   ErrorCode = "INTERACTION_PENDING"
	ErrCodeInteractionInvalid   ErrorCode = "INTERACTION_INVALID"
	ErrCodeInteractionNotFound  ErrorCode = "INTERACTION_NOT_FOUND"

	ErrCodePatchInvalid  ErrorCode = "PATCH_INVALID"
	ErrCodePatchConflict ErrorCode = "PATCH_CONFLICT"

	ErrCodeHostTerminated  ErrorCode = "HOST_TERMINATED"
	ErrCodeHostBusy        ErrorCode = "HOST_BUSY"
	ErrCodeFactoryFailed   ErrorCode = "FACTORY_FAILED"
	ErrCodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"

	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// retryable codes are transient; the same request may succeed later.
var retryable = map[ErrorCode]bool{
	ErrCodeModelRateLimit: true,
	ErrCodeModelAPIError:  true,
}

// Error is a coded error with optional key/value context and cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Fields  map[string]any
}

// New returns an error with the given code.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel returns a package-level error value. Any Error with the same
// code matches it under errors.Is.
func Sentinel(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to err. Wrap(nil, ...) is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// WithContext records a field rendered into Error(). It mutates e.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 2)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Fields) > 0 {
		b.WriteString(" {")
		for i, k := range slices.Sorted(maps.Keys(e.Fields)) {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", k, e.Fields[k])
		}
		b.WriteString("}")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain. Plain errors
// are ErrCodeInternal; nil has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err carries a transient code.
func IsRetryable(err error) bool {
	return retryable[CodeOf(err)]
}
