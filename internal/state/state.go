package state

import (
	"context"
	"fmt"
	"time"

	"worktally/internal/domain"
)

// CommitFn receives the changes pending since the last drain and a full
// snapshot of the final state. It runs at most once, from Close.
type CommitFn func(changes []Change, snap domain.Snapshot)

// State is the façade over one entity graph. It owns every handle it
// holds, allocates identifiers, and appends one change record per
// successful mutation. A State must not be shared between goroutines
// without external serialization; one command runs to completion before
// the next begins.
type State struct {
	backing  Backing
	projects map[domain.ProjectID]Project
	slices   map[domain.WorkSliceID]WorkSlice
	order    []domain.ProjectID
	log      changeLog
	commit   CommitFn
	closed   bool

	nextProject domain.ProjectID
	nextSlice   domain.WorkSliceID

	Now func() time.Time
}

// New builds a State over backing, primed with snap. Identifier
// allocation resumes past the highest id in the snapshot so a reload
// never collides with persisted entities. The snapshot is rejected with
// an InitError when it carries duplicate ids or a project referencing a
// slice it does not contain.
func New(ctx context.Context, backing Backing, snap domain.Snapshot, commit CommitFn) (*State, error) {
	s := &State{
		backing:  backing,
		projects: map[domain.ProjectID]Project{},
		slices:   map[domain.WorkSliceID]WorkSlice{},
		commit:   commit,
		Now:      time.Now,
	}
	s.log.now = s.now

	seenSlices := map[domain.WorkSliceID]bool{}
	for _, sl := range snap.Slices {
		if seenSlices[sl.ID] {
			return nil, duplicateSliceErr(sl.ID)
		}
		seenSlices[sl.ID] = true
		if sl.ID > s.nextSlice {
			s.nextSlice = sl.ID
		}
	}
	seenProjects := map[domain.ProjectID]bool{}
	for _, p := range snap.Projects {
		if seenProjects[p.ID] {
			return nil, duplicateProjectErr(p.ID)
		}
		seenProjects[p.ID] = true
		if p.ID > s.nextProject {
			s.nextProject = p.ID
		}
		for _, sid := range p.SliceIDs {
			if !seenSlices[sid] {
				return nil, &InitError{Reason: fmt.Sprintf("project %d references unknown slice %d", p.ID, sid)}
			}
		}
	}

	projects, slices, err := backing.Load(ctx, snap)
	if err != nil {
		return nil, err
	}
	for _, h := range slices {
		s.slices[h.ID()] = h
	}
	for _, h := range projects {
		s.projects[h.ID()] = h
		s.order = append(s.order, h.ID())
	}
	return s, nil
}

func (s *State) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *State) open() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *State) project(id domain.ProjectID) (Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *State) slice(id domain.WorkSliceID) (WorkSlice, error) {
	sl, ok := s.slices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sl, nil
}

// activeSlice returns the project's Incomplete slice, or 0 when the
// project has none.
func (s *State) activeSlice(ctx context.Context, p Project) (domain.WorkSliceID, error) {
	ids, err := p.SliceIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, sid := range ids {
		sl, ok := s.slices[sid]
		if !ok {
			continue
		}
		span, err := sl.Span(ctx)
		if err != nil {
			return 0, err
		}
		if !span.Complete() {
			return sid, nil
		}
	}
	return 0, nil
}

// CreateProject allocates an id and registers an empty project.
func (s *State) CreateProject(ctx context.Context, name, description string) (domain.ProjectSnapshot, error) {
	if err := s.open(); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	snap := domain.ProjectSnapshot{
		ID:          s.nextProject + 1,
		Name:        name,
		Description: description,
	}
	h, err := s.backing.AddProject(ctx, snap)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}
	s.nextProject = snap.ID
	s.projects[snap.ID] = h
	s.order = append(s.order, snap.ID)
	recorded := snap
	s.log.record(Change{Op: OpProjectCreated, ProjectID: snap.ID, Project: &recorded})
	return snap, nil
}

func (s *State) RenameProject(ctx context.Context, id domain.ProjectID, name string) error {
	return s.updateProject(ctx, id, func(p Project) error { return p.Rename(ctx, name) })
}

func (s *State) RedescribeProject(ctx context.Context, id domain.ProjectID, description string) error {
	return s.updateProject(ctx, id, func(p Project) error { return p.Redescribe(ctx, description) })
}

func (s *State) updateProject(ctx context.Context, id domain.ProjectID, mutate func(Project) error) error {
	if err := s.open(); err != nil {
		return err
	}
	p, err := s.project(id)
	if err != nil {
		return err
	}
	if err := mutate(p); err != nil {
		return err
	}
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.log.record(Change{Op: OpProjectUpdated, ProjectID: id, Project: &snap})
	return nil
}

// DeleteProject removes the project and its memberships. The member
// slices themselves survive; a slice dies only by DeleteSlice.
func (s *State) DeleteProject(ctx context.Context, id domain.ProjectID) error {
	if err := s.open(); err != nil {
		return err
	}
	p, err := s.project(id)
	if err != nil {
		return err
	}
	members, err := p.SliceIDs(ctx)
	if err != nil {
		return err
	}
	if err := s.backing.RemoveProject(ctx, id); err != nil {
		return err
	}
	delete(s.projects, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for _, sid := range members {
		s.log.record(Change{Op: OpLinkRemoved, ProjectID: id, SliceID: sid})
	}
	s.log.record(Change{Op: OpProjectDeleted, ProjectID: id})
	return nil
}

// SliceCreateOptions are parameters for creating a work slice. A nil
// End makes the slice Incomplete. ProjectIDs are linked at creation.
type SliceCreateOptions struct {
	Start      time.Time
	End        *time.Time
	Payment    domain.Payment
	ProjectIDs []domain.ProjectID
}

// CreateSlice creates a work slice, optionally linked to projects. The
// command is validated in full before anything is written: every target
// project must exist, and an Incomplete slice may not be linked to a
// project that already has one.
func (s *State) CreateSlice(ctx context.Context, opts SliceCreateOptions) (domain.SliceSnapshot, error) {
	if err := s.open(); err != nil {
		return domain.SliceSnapshot{}, err
	}
	if !opts.Payment.Valid() {
		return domain.SliceSnapshot{}, invariant("unknown payment kind %q", opts.Payment.Kind)
	}
	span := domain.IncompleteSpan(opts.Start)
	if opts.End != nil {
		var err error
		span, err = domain.CompleteSpan(opts.Start, *opts.End)
		if err != nil {
			return domain.SliceSnapshot{}, invariant("end %s before start %s", opts.End.UTC(), opts.Start.UTC())
		}
	} else if opts.Start.After(s.now().UTC()) {
		// An ongoing slice accrues against now, so it cannot start there.
		return domain.SliceSnapshot{}, invariant("start %s is in the future", opts.Start.UTC())
	}
	targets := make([]Project, 0, len(opts.ProjectIDs))
	seen := make(map[domain.ProjectID]struct{}, len(opts.ProjectIDs))
	for _, pid := range opts.ProjectIDs {
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		p, err := s.project(pid)
		if err != nil {
			return domain.SliceSnapshot{}, err
		}
		if !span.Complete() {
			active, err := s.activeSlice(ctx, p)
			if err != nil {
				return domain.SliceSnapshot{}, err
			}
			if active != 0 {
				return domain.SliceSnapshot{}, invariant("project %d already has ongoing slice %d", pid, active)
			}
		}
		targets = append(targets, p)
	}

	snap := domain.SliceSnapshot{ID: s.nextSlice + 1, Span: span, Payment: opts.Payment}
	h, err := s.backing.AddSlice(ctx, snap)
	if err != nil {
		return domain.SliceSnapshot{}, err
	}
	for i, p := range targets {
		if err := p.AddSlice(ctx, snap.ID); err != nil {
			// Undo what was linked so a failed command applies nothing.
			for _, linked := range targets[:i] {
				_ = linked.RemoveSlice(ctx, snap.ID)
			}
			_ = s.backing.RemoveSlice(ctx, snap.ID)
			return domain.SliceSnapshot{}, err
		}
	}
	s.nextSlice = snap.ID
	s.slices[snap.ID] = h
	recorded := snap
	s.log.record(Change{Op: OpSliceCreated, SliceID: snap.ID, Slice: &recorded})
	for _, p := range targets {
		s.log.record(Change{Op: OpLinkAdded, ProjectID: p.ID(), SliceID: snap.ID})
	}
	return snap, nil
}

// StartWork opens an Incomplete slice on the project. A zero start
// means now; a start in the future is rejected.
func (s *State) StartWork(ctx context.Context, id domain.ProjectID, payment domain.Payment, start time.Time) (domain.SliceSnapshot, error) {
	if err := s.open(); err != nil {
		return domain.SliceSnapshot{}, err
	}
	if start.IsZero() {
		start = s.now().UTC()
	}
	return s.CreateSlice(ctx, SliceCreateOptions{
		Start:      start,
		Payment:    payment,
		ProjectIDs: []domain.ProjectID{id},
	})
}

// CompleteWork closes the slice's span. A zero end means now.
func (s *State) CompleteWork(ctx context.Context, id domain.WorkSliceID, end time.Time) error {
	if err := s.open(); err != nil {
		return err
	}
	sl, err := s.slice(id)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = s.now().UTC()
	}
	if err := sl.Complete(ctx, end); err != nil {
		return err
	}
	return s.recordSliceUpdate(ctx, sl)
}

// SetPayment replaces the slice's payment terms.
func (s *State) SetPayment(ctx context.Context, id domain.WorkSliceID, p domain.Payment) error {
	if err := s.open(); err != nil {
		return err
	}
	sl, err := s.slice(id)
	if err != nil {
		return err
	}
	if err := sl.SetPayment(ctx, p); err != nil {
		return err
	}
	return s.recordSliceUpdate(ctx, sl)
}

func (s *State) recordSliceUpdate(ctx context.Context, sl WorkSlice) error {
	snap, err := sl.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.log.record(Change{Op: OpSliceUpdated, SliceID: sl.ID(), Slice: &snap})
	return nil
}

// Link adds the slice to the project's set. Linking an Incomplete slice
// fails if the project already has an ongoing slice.
func (s *State) Link(ctx context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error {
	if err := s.open(); err != nil {
		return err
	}
	p, err := s.project(pid)
	if err != nil {
		return err
	}
	sl, err := s.slice(sid)
	if err != nil {
		return err
	}
	ids, err := p.SliceIDs(ctx)
	if err != nil {
		return err
	}
	if contains(ids, sid) {
		return invariant("slice %d already linked to project %d", sid, pid)
	}
	span, err := sl.Span(ctx)
	if err != nil {
		return err
	}
	if !span.Complete() {
		active, err := s.activeSlice(ctx, p)
		if err != nil {
			return err
		}
		if active != 0 {
			return invariant("project %d already has ongoing slice %d", pid, active)
		}
	}
	if err := p.AddSlice(ctx, sid); err != nil {
		return err
	}
	s.log.record(Change{Op: OpLinkAdded, ProjectID: pid, SliceID: sid})
	return nil
}

// Unlink removes the slice from the project's set without destroying it.
func (s *State) Unlink(ctx context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error {
	if err := s.open(); err != nil {
		return err
	}
	p, err := s.project(pid)
	if err != nil {
		return err
	}
	if err := p.RemoveSlice(ctx, sid); err != nil {
		return err
	}
	s.log.record(Change{Op: OpLinkRemoved, ProjectID: pid, SliceID: sid})
	return nil
}

// DeleteSlice destroys the slice and removes it from every project.
func (s *State) DeleteSlice(ctx context.Context, id domain.WorkSliceID) error {
	if err := s.open(); err != nil {
		return err
	}
	sl, err := s.slice(id)
	if err != nil {
		return err
	}
	members, err := sl.Projects(ctx)
	if err != nil {
		return err
	}
	if err := s.backing.RemoveSlice(ctx, id); err != nil {
		return err
	}
	delete(s.slices, id)
	for _, pid := range members {
		s.log.record(Change{Op: OpLinkRemoved, ProjectID: pid, SliceID: id})
	}
	s.log.record(Change{Op: OpSliceDeleted, SliceID: id})
	return nil
}

// GetProject returns the project's current snapshot.
func (s *State) GetProject(ctx context.Context, id domain.ProjectID) (domain.ProjectSnapshot, error) {
	if err := s.open(); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	p, err := s.project(id)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}
	return p.Snapshot(ctx)
}

// ListProjects returns every project in creation order.
func (s *State) ListProjects(ctx context.Context) ([]domain.ProjectSnapshot, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	out := make([]domain.ProjectSnapshot, 0, len(s.order))
	for _, id := range s.order {
		snap, err := s.projects[id].Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetSlice returns the slice's current snapshot.
func (s *State) GetSlice(ctx context.Context, id domain.WorkSliceID) (domain.SliceSnapshot, error) {
	if err := s.open(); err != nil {
		return domain.SliceSnapshot{}, err
	}
	sl, err := s.slice(id)
	if err != nil {
		return domain.SliceSnapshot{}, err
	}
	return sl.Snapshot(ctx)
}

// ProjectSlices returns the snapshots of the project's member slices.
func (s *State) ProjectSlices(ctx context.Context, id domain.ProjectID) ([]domain.SliceSnapshot, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	p, err := s.project(id)
	if err != nil {
		return nil, err
	}
	ids, err := p.SliceIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SliceSnapshot, 0, len(ids))
	for _, sid := range ids {
		sl, err := s.slice(sid)
		if err != nil {
			return nil, err
		}
		snap, err := sl.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// SliceProjects is the reverse lookup: which projects the slice belongs to.
func (s *State) SliceProjects(ctx context.Context, id domain.WorkSliceID) ([]domain.ProjectID, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	sl, err := s.slice(id)
	if err != nil {
		return nil, err
	}
	return sl.Projects(ctx)
}

// AmountOwed sums what the project's slices are worth. Hourly slices
// contribute rate × duration, an Incomplete one measured against now;
// flat slices contribute their fixed amount.
func (s *State) AmountOwed(ctx context.Context, id domain.ProjectID) (domain.Money, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	slices, err := s.ProjectSlices(ctx, id)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var total domain.Money
	for _, sl := range slices {
		total += sl.Payment.Owed(sl.Span.Duration(now))
	}
	return total, nil
}

// Snapshot reads every current entity.
func (s *State) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := s.open(); err != nil {
		return domain.Snapshot{}, err
	}
	return s.snapshot(ctx)
}

func (s *State) snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	for _, id := range s.order {
		p, err := s.projects[id].Snapshot(ctx)
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap.Projects = append(snap.Projects, p)
	}
	for _, sl := range s.sortedSlices() {
		v, err := sl.Snapshot(ctx)
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap.Slices = append(snap.Slices, v)
	}
	return snap, nil
}

func (s *State) sortedSlices() []WorkSlice {
	ids := make([]domain.WorkSliceID, 0, len(s.slices))
	for id := range s.slices {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	out := make([]WorkSlice, len(ids))
	for i, id := range ids {
		out[i] = s.slices[id]
	}
	return out
}

// Drain returns the changes recorded since the last drain and starts a
// new epoch.
func (s *State) Drain() []Change {
	if s.closed {
		return nil
	}
	return s.log.drain()
}

// Close fires the commit hook with the pending changes and a final
// snapshot, then rejects all further messages. The hook runs at most
// once; a second Close is a no-op. When the final snapshot cannot be
// taken the hook still receives the drained changes, with a zero
// snapshot, and Close reports the snapshot error.
func (s *State) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	var snap domain.Snapshot
	var snapErr error
	if s.commit != nil {
		snap, snapErr = s.snapshot(ctx)
		if snapErr != nil {
			snap = domain.Snapshot{}
		}
	}
	changes := s.log.drain()
	s.closed = true
	if s.commit != nil {
		s.commit(changes, snap)
	}
	return snapErr
}
