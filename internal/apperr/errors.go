// Package apperr defines the structured error taxonomy shared by every
// component of the memory engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure mode
// (retry, surface to user, dead-letter) without string-matching messages.
type Kind string

const (
	KindInvalidInput           Kind = "invalid_input"
	KindNotFound               Kind = "not_found"
	KindTagConstraintViolation Kind = "tag_constraint_violation"
	KindProviderUnavailable    Kind = "provider_unavailable"
	KindProviderTimeout        Kind = "provider_timeout"
	KindProviderTransient      Kind = "provider_transient"
	KindProviderFatal          Kind = "provider_fatal"
	KindDimensionMismatch      Kind = "dimension_mismatch"
	KindStorageFailure         Kind = "storage_failure"
	KindConcurrentModification Kind = "concurrent_modification"
)

// Error is a structured application error carrying a Kind plus an optional
// wrapped cause. Use errors.Is against the sentinels below, or errors.As
// to recover the Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, apperr.ErrNotFound) works regardless of message/cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new Error of the given kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := newf(kind, format, args...)
	e.Cause = cause
	return e
}

func InvalidInput(format string, args ...any) *Error { return newf(KindInvalidInput, format, args...) }

func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

func TagConstraintViolation(format string, args ...any) *Error {
	return newf(KindTagConstraintViolation, format, args...)
}

func ProviderUnavailable(format string, args ...any) *Error {
	return newf(KindProviderUnavailable, format, args...)
}

func ProviderTimeout(format string, args ...any) *Error {
	return newf(KindProviderTimeout, format, args...)
}

func ProviderTransient(format string, args ...any) *Error {
	return newf(KindProviderTransient, format, args...)
}

func ProviderFatal(format string, args ...any) *Error { return newf(KindProviderFatal, format, args...) }

func DimensionMismatch(format string, args ...any) *Error {
	return newf(KindDimensionMismatch, format, args...)
}

func StorageFailure(format string, args ...any) *Error {
	return newf(KindStorageFailure, format, args...)
}

func ConcurrentModification(format string, args ...any) *Error {
	return newf(KindConcurrentModification, format, args...)
}

// Sentinel values for errors.Is comparisons against a bare kind, e.g.
// errors.Is(err, apperr.ErrNotFound).
var (
	ErrNotFound                = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrTagConstraintViolation  = &Error{Kind: KindTagConstraintViolation, Message: "tag constraint violation"}
	ErrConcurrentModification  = &Error{Kind: KindConcurrentModification, Message: "concurrent modification"}
)

// KindOf extracts the Kind carried by err, or ("", false) if err is not a
// *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether a background worker should requeue rather
// than dead-letter the task that produced err.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindProviderTimeout, KindProviderTransient, KindStorageFailure, KindConcurrentModification:
		return true
	default:
		return false
	}
}
