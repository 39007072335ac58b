package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures across collaborators and storage.
type ErrorKind string

const (
	KindNoCredentials      ErrorKind = "no_credentials"
	KindNotFound           ErrorKind = "not_found"
	KindNoPermission       ErrorKind = "no_permission"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindProjectNotFound    ErrorKind = "project_not_found"
	KindValidation         ErrorKind = "validation"
	KindTimeout            ErrorKind = "timeout"
	KindAPIError           ErrorKind = "api_error"
	KindIntegrityViolation ErrorKind = "integrity_violation"
	KindConflict           ErrorKind = "conflict"
	KindImmutable          ErrorKind = "immutable_record"
)

// Error is a classified error. Message is kept verbatim for the workflow
// record; Err is the optional underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind, keeping err's text as the message.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the classification of err. Deadline errors are timeouts;
// anything unclassified is an api_error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindAPIError
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
