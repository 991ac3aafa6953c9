package state

import (
	"time"

	"github.com/google/uuid"

	"worktally/internal/domain"
)

// ChangeOp names a mutation recorded in the change log.
type ChangeOp string

const (
	OpProjectCreated ChangeOp = "project.created"
	OpProjectUpdated ChangeOp = "project.updated"
	OpProjectDeleted ChangeOp = "project.deleted"
	OpSliceCreated   ChangeOp = "slice.created"
	OpSliceUpdated   ChangeOp = "slice.updated"
	OpSliceDeleted   ChangeOp = "slice.deleted"
	OpLinkAdded      ChangeOp = "link.added"
	OpLinkRemoved    ChangeOp = "link.removed"
)

// Change is one record in the append-only change log. ID is unique per
// record so external writers can apply a drained batch idempotently.
// Project and Slice carry the new value where the op implies one.
type Change struct {
	ID        string                  `json:"id"`
	Op        ChangeOp                `json:"op"`
	At        time.Time               `json:"at"`
	ProjectID domain.ProjectID        `json:"project_id,omitempty"`
	SliceID   domain.WorkSliceID      `json:"slice_id,omitempty"`
	Project   *domain.ProjectSnapshot `json:"project,omitempty"`
	Slice     *domain.SliceSnapshot   `json:"slice,omitempty"`
}

// changeLog accumulates mutations between drains. It is owned by a
// single State and passed explicitly to every mutation site; it is not
// safe for concurrent use.
type changeLog struct {
	pending []Change
	now     func() time.Time
}

func (l *changeLog) record(c Change) {
	c.ID = uuid.NewString()
	c.At = l.now().UTC()
	l.pending = append(l.pending, c)
}

// drain returns the pending changes and starts a new epoch.
func (l *changeLog) drain() []Change {
	out := l.pending
	l.pending = nil
	return out
}
