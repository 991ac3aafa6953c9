package state

import (
	"fmt"

	"worktally/internal/domain"
)

// Replay applies a drained change sequence to an initial snapshot and
// returns the resulting entity graph. Replaying the changes drained
// from a State against the snapshot it was built from yields the same
// graph as the State's own final snapshot.
func Replay(initial domain.Snapshot, changes []Change) (domain.Snapshot, error) {
	projects := map[domain.ProjectID]*domain.ProjectSnapshot{}
	slices := map[domain.WorkSliceID]*domain.SliceSnapshot{}
	var projectOrder []domain.ProjectID

	for _, p := range initial.Projects {
		cp := p
		cp.SliceIDs = append([]domain.WorkSliceID(nil), p.SliceIDs...)
		projects[p.ID] = &cp
		projectOrder = append(projectOrder, p.ID)
	}
	for _, s := range initial.Slices {
		cs := s
		slices[s.ID] = &cs
	}

	for _, c := range changes {
		switch c.Op {
		case OpProjectCreated:
			if c.Project == nil {
				return domain.Snapshot{}, fmt.Errorf("change %s: %s without project value", c.ID, c.Op)
			}
			cp := *c.Project
			projects[cp.ID] = &cp
			projectOrder = append(projectOrder, cp.ID)
		case OpProjectUpdated:
			if c.Project == nil {
				return domain.Snapshot{}, fmt.Errorf("change %s: %s without project value", c.ID, c.Op)
			}
			p, ok := projects[c.Project.ID]
			if !ok {
				return domain.Snapshot{}, fmt.Errorf("change %s: update of unknown project %d", c.ID, c.Project.ID)
			}
			p.Name = c.Project.Name
			p.Description = c.Project.Description
		case OpProjectDeleted:
			delete(projects, c.ProjectID)
			for i, id := range projectOrder {
				if id == c.ProjectID {
					projectOrder = append(projectOrder[:i], projectOrder[i+1:]...)
					break
				}
			}
		case OpSliceCreated:
			if c.Slice == nil {
				return domain.Snapshot{}, fmt.Errorf("change %s: %s without slice value", c.ID, c.Op)
			}
			cs := *c.Slice
			slices[cs.ID] = &cs
		case OpSliceUpdated:
			if c.Slice == nil {
				return domain.Snapshot{}, fmt.Errorf("change %s: %s without slice value", c.ID, c.Op)
			}
			s, ok := slices[c.Slice.ID]
			if !ok {
				return domain.Snapshot{}, fmt.Errorf("change %s: update of unknown slice %d", c.ID, c.Slice.ID)
			}
			s.Span = c.Slice.Span
			s.Payment = c.Slice.Payment
		case OpSliceDeleted:
			delete(slices, c.SliceID)
		case OpLinkAdded:
			p, ok := projects[c.ProjectID]
			if !ok {
				return domain.Snapshot{}, fmt.Errorf("change %s: link into unknown project %d", c.ID, c.ProjectID)
			}
			if !p.HasSlice(c.SliceID) {
				p.SliceIDs = append(p.SliceIDs, c.SliceID)
			}
		case OpLinkRemoved:
			p, ok := projects[c.ProjectID]
			if !ok {
				continue // project deletion records its link removals before the delete
			}
			out := p.SliceIDs[:0]
			for _, sid := range p.SliceIDs {
				if sid != c.SliceID {
					out = append(out, sid)
				}
			}
			p.SliceIDs = out
		default:
			return domain.Snapshot{}, fmt.Errorf("change %s: unknown op %q", c.ID, c.Op)
		}
	}

	var snap domain.Snapshot
	for _, id := range projectOrder {
		p := *projects[id]
		sorted := append([]domain.WorkSliceID(nil), p.SliceIDs...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		p.SliceIDs = sorted
		snap.Projects = append(snap.Projects, p)
	}
	ids := make([]domain.WorkSliceID, 0, len(slices))
	for id := range slices {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	for _, id := range ids {
		snap.Slices = append(snap.Slices, *slices[id])
	}
	return snap, nil
}
