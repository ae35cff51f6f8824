package source

import (
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures so the sync engine can decide between
// retry, surface, and halt.
type ErrorCode string

const (
	// CodeNotFound means the source holds no data yet. Expected on first
	// sync; not an error to the user.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeUnauthorized means credentials are missing, invalid, or expired.
	// Terminal until re-auth.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// CodeNetwork means a transient transport failure. Retryable.
	CodeNetwork ErrorCode = "NETWORK_ERROR"
	// CodeConflict means the optimistic-concurrency token was stale; another
	// writer raced ahead. Retry after a re-read.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeValidation means the envelope is malformed. The data must not be
	// written further.
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	// CodeRetryLimit means the consecutive-failure threshold was hit and the
	// sync is paused until an explicit reset.
	CodeRetryLimit ErrorCode = "RETRY_LIMIT_EXCEEDED"
)

// Error is the uniform failure envelope every adapter raises.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a classified adapter error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the error code, or empty when the error is unclassified.
func CodeOf(err error) ErrorCode {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return ""
}

// IsNotFound reports whether the source simply has no data yet.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsRetryable reports whether the failure is transient. Network failures and
// stale concurrency tokens resolve themselves on a later cycle; everything
// else needs user intervention.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeConflict:
		return true
	default:
		return false
	}
}
