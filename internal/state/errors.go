package state

import (
	"errors"
	"fmt"

	"worktally/internal/domain"
)

// ErrNotFound reports that an identifier does not resolve to a live
// entity. Backings return it from any getter or mutator on a deleted or
// unknown id.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned from any message sent after Close.
var ErrClosed = errors.New("state closed")

// InvariantError reports a command that would violate a domain
// invariant, e.g. double-start or completing a span before its start.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Reason)
}

func invariant(format string, args ...any) error {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// SourceError reports a failed remote fetch. Stale is set when a cached
// value was available and returned alongside the error; the caller
// decides whether the stale value is acceptable.
type SourceError struct {
	Op    string
	Stale bool
	Err   error
}

func (e *SourceError) Error() string {
	if e.Stale {
		return fmt.Sprintf("source unavailable (stale value returned): %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("source unavailable: %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// WriteError reports a failed write-through to the remote source. The
// local cache is left unchanged.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed: %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// InitError reports a rejected initial snapshot.
type InitError struct {
	Reason string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("invalid initial snapshot: %s", e.Reason)
}

func duplicateProjectErr(id domain.ProjectID) error {
	return &InitError{Reason: fmt.Sprintf("duplicate project id %d", id)}
}

func duplicateSliceErr(id domain.WorkSliceID) error {
	return &InitError{Reason: fmt.Sprintf("duplicate work slice id %d", id)}
}
