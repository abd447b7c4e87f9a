package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// StoreErrorMessage describes relational store failures.
	StoreErrorMessage = "store operation failed"
	// NotFoundMessage describes a missing record.
	NotFoundMessage = "not found"
)

// Error wraps an underlying error with an HTTP status and safe message.
// Fatal marks errors that must abort the current agent run.
type Error struct {
	Err     error
	Status  int
	Message string
	Fatal   bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the provided information.
func New(err error, status int, message string) *Error {
	return &Error{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Fatal wraps err as a run-aborting failure.
func Fatal(err error, message string) *Error {
	return &Error{
		Err:     err,
		Status:  http.StatusInternalServerError,
		Message: message,
		Fatal:   true,
	}
}

// IsFatal reports whether any Error in the chain is marked fatal.
func IsFatal(err error) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Fatal {
			return true
		}
		err = e.Err
	}
	return false
}

// StatusOf returns the HTTP status carried by err, 500 when none.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// SafeMessage returns the message that may be shown to clients.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return SystemErrorMessage
}
