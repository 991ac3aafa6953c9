package domain

// ProjectID identifies a project. IDs are assigned monotonically by the
// state and never reused within one state lifetime.
type ProjectID int64

// WorkSliceID identifies a work slice.
type WorkSliceID int64

// SliceSnapshot is the full value of a work slice at a point in time.
type SliceSnapshot struct {
	ID      WorkSliceID `json:"id"`
	Span    TimeSpan    `json:"span"`
	Payment Payment     `json:"payment"`
}

// ProjectSnapshot is the full value of a project. SliceIDs are the
// project's member slices; a slice may be a member of several projects.
type ProjectSnapshot struct {
	ID          ProjectID     `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	SliceIDs    []WorkSliceID `json:"slice_ids,omitempty"`
}

// HasSlice reports whether the project references the given slice.
func (p ProjectSnapshot) HasSlice(id WorkSliceID) bool {
	for _, sid := range p.SliceIDs {
		if sid == id {
			return true
		}
	}
	return false
}

// Snapshot is the complete entity graph. Slices are listed separately
// from projects because membership is many-to-many and a slice may
// momentarily belong to no project at all.
type Snapshot struct {
	Projects []ProjectSnapshot `json:"projects"`
	Slices   []SliceSnapshot   `json:"slices"`
}

// Project returns the snapshot of the given project, if present.
func (s Snapshot) Project(id ProjectID) (ProjectSnapshot, bool) {
	for _, p := range s.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return ProjectSnapshot{}, false
}

// Slice returns the snapshot of the given work slice, if present.
func (s Snapshot) Slice(id WorkSliceID) (SliceSnapshot, bool) {
	for _, ws := range s.Slices {
		if ws.ID == id {
			return ws, true
		}
	}
	return SliceSnapshot{}, false
}
