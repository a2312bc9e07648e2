package feed

import (
	"errors"
	"fmt"
)

// FailureKind classifies terminal and retryable failures. The split
// between retryable and permanent kinds drives the retry manager:
// transient kinds are retried internally and never surfaced until the
// attempt budget is exhausted, permanent kinds surface immediately.
type FailureKind string

const (
	// TransientUpstream covers timeouts, connection errors and
	// 5xx-equivalent responses from the source. Retryable.
	TransientUpstream FailureKind = "transient_upstream"
	// PermanentUpstream covers not-found and malformed upstream data.
	// Never retried.
	PermanentUpstream FailureKind = "permanent_upstream"
	// Overloaded is an admission rejection; the caller should back off
	// and resubmit.
	Overloaded FailureKind = "overloaded"
	// Exhausted is reported when a job runs out of retry budget while
	// its failures were still transient.
	Exhausted FailureKind = "exhausted"
	// Timeout is reported when the overall job deadline is exceeded,
	// regardless of remaining retry budget.
	Timeout FailureKind = "timeout"
	// StoreUnavailable covers cache store outages. Retryable with its
	// own backoff policy.
	StoreUnavailable FailureKind = "store_unavailable"
)

// Retryable reports whether a failure of this kind may succeed on a
// re-attempt.
func (k FailureKind) Retryable() bool {
	return k == TransientUpstream || k == StoreUnavailable
}

// Sentinel errors for the upstream and store boundaries.
var (
	// ErrNotFound: the upstream has no record for the key. Permanent.
	ErrNotFound = errors.New("feed: not found")
	// ErrMalformed: the upstream returned data the transform stage
	// rejected. Permanent.
	ErrMalformed = errors.New("feed: malformed record")
	// ErrStale: the write was superseded by an equal or fresher
	// committed entry. Not surfaced to callers; the orchestrator
	// reports it as a no-op success.
	ErrStale = errors.New("feed: stale write")
	// ErrConflict: a conditional store write lost the token comparison.
	ErrConflict = errors.New("feed: write conflict")
)

// Error is a classified failure for one key.
type Error struct {
	Kind FailureKind
	Key  Key
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("feed %s: %s", e.Key, e.Kind)
	}
	return fmt.Sprintf("feed %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err as a classified failure for key.
func Fail(kind FailureKind, key Key, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}

// KindOf extracts the failure kind from err. Unclassified errors
// default to TransientUpstream so that unknown fetch failures stay
// retryable rather than silently terminal.
func KindOf(err error) FailureKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMalformed):
		return PermanentUpstream
	default:
		return TransientUpstream
	}
}

// Retryable reports whether err may succeed on a re-attempt.
func Retryable(err error) bool { return KindOf(err).Retryable() }
