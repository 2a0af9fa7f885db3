package scout

import (
	"errors"
	"fmt"
)

// Kind is a closed set of failure classifications. Boundaries branch on
// kinds by equality, never on error message text.
type Kind string

// Failure kinds surfaced across the pipeline.
const (
	KindUnknown          Kind = ""
	KindFetchFailed      Kind = "fetch_failed"
	KindRobotsDisallowed Kind = "robots_disallowed"
	KindScoreRetryable   Kind = "score_retryable"
	KindScoreFatal       Kind = "score_fatal"
	KindPersistFailed    Kind = "persist_failed"
	KindNotFound         Kind = "not_found"
	KindQueueFull        Kind = "queue_full"
)

// Retryable reports whether the queue layer should redeliver work that
// failed with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindScoreRetryable, KindPersistFailed, KindQueueFull:
		return true
	default:
		return false
	}
}

// Error tags an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the wrapped error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a tagged error from a format string.
func Ef(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
