// Package state holds the data-access layer for projects and work
// slices: capability interfaces any backing must satisfy, an in-memory
// backing, a remote-backed caching backing, the change log, and the
// State façade with its query/command protocol.
package state

import (
	"context"
	"time"

	"worktally/internal/domain"
)

// Project is the capability contract for one project, satisfied by any
// backing. Getters fail with ErrNotFound when the entity no longer
// exists or a SourceError when the backing source is unreachable; they
// never mutate anything beyond cache bookkeeping. Mutators reflect the
// change immediately on success, so the caller reads its own writes.
type Project interface {
	ID() domain.ProjectID
	Name(ctx context.Context) (string, error)
	Description(ctx context.Context) (string, error)
	SliceIDs(ctx context.Context) ([]domain.WorkSliceID, error)
	Snapshot(ctx context.Context) (domain.ProjectSnapshot, error)

	Rename(ctx context.Context, name string) error
	Redescribe(ctx context.Context, description string) error
	AddSlice(ctx context.Context, id domain.WorkSliceID) error
	RemoveSlice(ctx context.Context, id domain.WorkSliceID) error
}

// WorkSlice is the capability contract for one work slice. Projects is
// the reverse lookup: which projects the slice is a member of, served
// from a stored reverse index (local) or a query (remote).
type WorkSlice interface {
	ID() domain.WorkSliceID
	Span(ctx context.Context) (domain.TimeSpan, error)
	Payment(ctx context.Context) (domain.Payment, error)
	Snapshot(ctx context.Context) (domain.SliceSnapshot, error)
	Projects(ctx context.Context) ([]domain.ProjectID, error)

	// Complete closes the span with the given end instant. The
	// transition is one-way and fails if the slice is already complete
	// or end precedes the start.
	Complete(ctx context.Context, end time.Time) error
	SetPayment(ctx context.Context, p domain.Payment) error
}

// Backing creates and destroys entity handles. Load primes the backing
// from data the caller already loaded and performs no I/O of its own;
// Add and Remove are real creations and deletions (a remote backing
// writes them through synchronously).
type Backing interface {
	Load(ctx context.Context, snap domain.Snapshot) ([]Project, []WorkSlice, error)
	AddProject(ctx context.Context, snap domain.ProjectSnapshot) (Project, error)
	AddSlice(ctx context.Context, snap domain.SliceSnapshot) (WorkSlice, error)
	RemoveProject(ctx context.Context, id domain.ProjectID) error
	RemoveSlice(ctx context.Context, id domain.WorkSliceID) error
}
