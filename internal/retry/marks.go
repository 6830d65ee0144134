package retry

import (
	"errors"
	"fmt"
	"time"

	"cadence/internal/workflow"
)

// Stages can mark their errors so the classifier doesn't have to guess.
//
// Example:
//
//	return retry.Terminal(fmt.Errorf("bad input: %w", err))

type markedError struct {
	err   error
	class workflow.Class
	kind  workflow.ErrorKind
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

func mark(err error, class workflow.Class, kind workflow.ErrorKind) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, class: class, kind: kind}
}

// Terminal marks err as permanent: the execution fails without retry.
func Terminal(err error) error { return mark(err, workflow.ClassTerminal, "") }

// Retryable marks err as transient.
func Retryable(err error) error { return mark(err, workflow.ClassRetryable, "") }

// NeedsAction marks err as requiring a human (credentials, quota, install).
func NeedsAction(err error, kind workflow.ErrorKind) error {
	return mark(err, workflow.ClassNeedsUserAction, kind)
}

// WithKind pins the error kind and lets the class follow from it.
func WithKind(err error, kind workflow.ErrorKind) error {
	return mark(err, ClassOf(kind), kind)
}

// ClassOf is the default class for an error kind.
func ClassOf(kind workflow.ErrorKind) workflow.Class {
	switch kind {
	case workflow.KindTimeout, workflow.KindNetwork, workflow.KindRateLimit:
		return workflow.ClassRetryable
	case workflow.KindAuth, workflow.KindUsageLimit, workflow.KindNotInstalled:
		return workflow.ClassNeedsUserAction
	default:
		return workflow.ClassTerminal
	}
}

// IsTerminal reports whether err carries a Terminal mark.
func IsTerminal(err error) bool {
	var m *markedError
	return errors.As(err, &m) && m.class == workflow.ClassTerminal
}

// RetryAfter attaches a suggested delay before the next attempt (e.g. an
// HTTP 429 Retry-After value). The error is also marked as a rate limit.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
