package snapshot

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the document does not exist
// (version 0).
type ErrNotFound struct {
	Collection string
	ID         string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("snapshot: document not found: %s/%s", e.Collection, e.ID)
}

// ErrVersionConflict is returned by Put when the stored version does not
/// match the expected version. It is an expected outcome, not a failure:
// the caller re-bases against Current and resubmits.
type ErrVersionConflict struct {
	Collection string
	ID         string
	Expected   int64
	Current    int64
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("snapshot: version conflict on %s/%s: expected %d, current %d",
		e.Collection, e.ID, e.Expected, e.Current)
}

// ErrUnavailable wraps a transient store I/O failure. Retryable; the
// submitter decides whether and when to retry.
type ErrUnavailable struct {
	Op    string
	Cause error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("snapshot: store unavailable during %s: %v", e.Op, e.Cause)
}

func (e *ErrUnavailable) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsConflict reports whether err is an ErrVersionConflict. When it is, the
// conflicting document's current version is returned.
func IsConflict(err error) (int64, bool) {
	var e *ErrVersionConflict
	if errors.As(err, &e) {
		return e.Current, true
	}
	return 0, false
}

// IsUnavailable reports whether err is a retryable store failure.
func IsUnavailable(err error) bool {
	var e *ErrUnavailable
	return errors.As(err, &e)
}
