package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when another worker holds the job lock
	ErrJobAlreadyClaimed = errors.New("job already claimed or not lockable")

	// ErrInvalidPayload is returned when a job payload is malformed or fails validation
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxRetriesExceeded prefixes the failure of a job that ran out of retries
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrQueueFull is returned when the in-flight job ceiling is reached
	ErrQueueFull = errors.New("job queue is at capacity")

	// ErrJobCancelled is returned when a worker reports on a job that was cancelled meanwhile
	ErrJobCancelled = errors.New("job was cancelled")

	// ErrInvalidTransition is returned for status changes out of a terminal state
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrCacheEntryNotFound is returned by keyword bank lookups by id
	ErrCacheEntryNotFound = errors.New("cache entry not found")

	// ErrKeywordNotFound is returned when a keyword record does not exist
	ErrKeywordNotFound = errors.New("keyword record not found")
)

// RetryableError wraps transient errors that should trigger a reschedule
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// ErrorKind classifies failures talking to the intelligence provider.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindRateLimit      ErrorKind = "rate_limit"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindParsing        ErrorKind = "parsing"
	KindStorage        ErrorKind = "storage"
	KindUnknown        ErrorKind = "unknown"
)

// Error is the structured failure returned by the provider client and the
// enrichment service.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same call may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindTimeout, KindStorage:
		return true
	case KindUnknown:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around cause.
func WrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsRetryable reports whether err should be rescheduled. Unclassified errors
// are treated as permanent unless wrapped in RetryableError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
