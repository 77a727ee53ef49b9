// Package syncerr defines the error taxonomy shared by the sync engines.
// Every mutating operation reports failures to its own caller only; these
// types carry the wire error code the dispatcher sends back.
package syncerr

import (
	"errors"
	"fmt"
)

// Wire error codes sent back to the originating client.
const (
	CodeValidation   = "validation_error"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeConflict     = "conflict"
	CodeInternal     = "internal_error"
)

// ValidationError reports malformed or incomplete input. It is returned
// synchronously before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NotFoundError reports a reference to a nonexistent entity.
type NotFoundError struct {
	Kind string // "message", "poll", "user", "conversation", "option"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// UnauthorizedError reports that the caller is not a member of the target
// channel.
type UnauthorizedError struct {
	UserID  string
	Channel string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s is not a member of %s", e.UserID, e.Channel)
}

// ConflictError reports a uniqueness violation on an atomic store primitive.
// Engines retry these internally; it escapes only when retries are exhausted.
type ConflictError struct {
	Op string
}

func (e *ConflictError) Error() string {
	return "conflict during " + e.Op
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Code maps an error to its wire code. Unrecognized errors map to
// internal_error so store failures are never leaked verbatim to clients.
func Code(err error) string {
	var (
		ve *ValidationError
		ne *NotFoundError
		ue *UnauthorizedError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ne):
		return CodeNotFound
	case errors.As(err, &ue):
		return CodeUnauthorized
	case errors.As(err, &ce):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
