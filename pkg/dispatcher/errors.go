package dispatcher

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorDetail.Code.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeDuplicateCommand  = "DUPLICATE_COMMAND"
	CodeHandlerNotFound   = "HANDLER_NOT_FOUND"
	CodeHandlerError      = "HANDLER_ERROR"
	CodeReadModelNotFound = "READ_MODEL_NOT_FOUND"
	CodeResetUnsupported  = "RESET_UNSUPPORTED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is a dispatcher error. Two Errors match under errors.Is when their codes match.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrDuplicateCommand  = &Error{Code: CodeDuplicateCommand, Message: "command already processed"}
	ErrHandlerNotFound   = &Error{Code: CodeHandlerNotFound, Message: "no handler registered"}
	ErrReadModelNotFound = &Error{Code: CodeReadModelNotFound, Message: "read model not registered"}
	ErrResetUnsupported  = &Error{Code: CodeResetUnsupported, Message: "read model does not support reset"}
)

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// detail converts err into an ErrorDetail. Infrastructure failures are retryable.
func detail(err error) ErrorDetail {
	var de *Error
	if errors.As(err, &de) {
		return ErrorDetail{Code: de.Code, Message: de.Message, Retryable: de.Code == CodeInternal}
	}
	return ErrorDetail{Code: CodeHandlerError, Message: err.Error()}
}
