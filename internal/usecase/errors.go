package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorStorage      ErrorCode = "STORAGE_ERROR"
	ErrorConflict     ErrorCode = "VERSION_CONFLICT"
	ErrorTimeout      ErrorCode = "TIMEOUT"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is returned when a unit of work could not be applied. The Output
// returned alongside it still carries a message for the sender.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
