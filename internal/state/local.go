package state

import (
	"context"
	"errors"
	"sort"
	"time"

	"worktally/internal/domain"
)

// LocalBacking keeps the full entity graph in memory. Operations are
// synchronous and fail only with ErrNotFound or an InvariantError.
type LocalBacking struct {
	projects map[domain.ProjectID]*localProject
	slices   map[domain.WorkSliceID]*localSlice
	// members is the slice -> projects reverse index.
	members map[domain.WorkSliceID]map[domain.ProjectID]struct{}
}

// NewLocalBacking returns an empty in-memory backing.
func NewLocalBacking() *LocalBacking {
	return &LocalBacking{
		projects: map[domain.ProjectID]*localProject{},
		slices:   map[domain.WorkSliceID]*localSlice{},
		members:  map[domain.WorkSliceID]map[domain.ProjectID]struct{}{},
	}
}

func (b *LocalBacking) Load(ctx context.Context, snap domain.Snapshot) ([]Project, []WorkSlice, error) {
	var slices []WorkSlice
	for _, s := range snap.Slices {
		h, err := b.AddSlice(ctx, s)
		if err != nil {
			return nil, nil, err
		}
		slices = append(slices, h)
	}
	var projects []Project
	for _, p := range snap.Projects {
		h, err := b.AddProject(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		projects = append(projects, h)
	}
	return projects, slices, nil
}

func (b *LocalBacking) AddProject(_ context.Context, snap domain.ProjectSnapshot) (Project, error) {
	p := &localProject{
		b:           b,
		id:          snap.ID,
		name:        snap.Name,
		description: snap.Description,
		slices:      map[domain.WorkSliceID]struct{}{},
	}
	for _, sid := range snap.SliceIDs {
		if _, ok := b.slices[sid]; !ok {
			return nil, ErrNotFound
		}
		p.slices[sid] = struct{}{}
		b.link(snap.ID, sid)
	}
	b.projects[snap.ID] = p
	return p, nil
}

func (b *LocalBacking) AddSlice(_ context.Context, snap domain.SliceSnapshot) (WorkSlice, error) {
	s := &localSlice{b: b, id: snap.ID, span: snap.Span, payment: snap.Payment}
	b.slices[snap.ID] = s
	return s, nil
}

func (b *LocalBacking) RemoveProject(_ context.Context, id domain.ProjectID) error {
	p, ok := b.projects[id]
	if !ok {
		return ErrNotFound
	}
	for sid := range p.slices {
		b.unlink(id, sid)
	}
	delete(b.projects, id)
	return nil
}

func (b *LocalBacking) RemoveSlice(_ context.Context, id domain.WorkSliceID) error {
	if _, ok := b.slices[id]; !ok {
		return ErrNotFound
	}
	for pid := range b.members[id] {
		if p, ok := b.projects[pid]; ok {
			delete(p.slices, id)
		}
	}
	delete(b.members, id)
	delete(b.slices, id)
	return nil
}

func (b *LocalBacking) link(pid domain.ProjectID, sid domain.WorkSliceID) {
	set, ok := b.members[sid]
	if !ok {
		set = map[domain.ProjectID]struct{}{}
		b.members[sid] = set
	}
	set[pid] = struct{}{}
}

func (b *LocalBacking) unlink(pid domain.ProjectID, sid domain.WorkSliceID) {
	if set, ok := b.members[sid]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(b.members, sid)
		}
	}
}

type localProject struct {
	b           *LocalBacking
	id          domain.ProjectID
	name        string
	description string
	slices      map[domain.WorkSliceID]struct{}
}

func (p *localProject) live() error {
	if _, ok := p.b.projects[p.id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (p *localProject) ID() domain.ProjectID { return p.id }

func (p *localProject) Name(context.Context) (string, error) {
	if err := p.live(); err != nil {
		return "", err
	}
	return p.name, nil
}

func (p *localProject) Description(context.Context) (string, error) {
	if err := p.live(); err != nil {
		return "", err
	}
	return p.description, nil
}

func (p *localProject) SliceIDs(context.Context) ([]domain.WorkSliceID, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	return sortedSliceIDs(p.slices), nil
}

func (p *localProject) Snapshot(ctx context.Context) (domain.ProjectSnapshot, error) {
	if err := p.live(); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	return domain.ProjectSnapshot{
		ID:          p.id,
		Name:        p.name,
		Description: p.description,
		SliceIDs:    sortedSliceIDs(p.slices),
	}, nil
}

func (p *localProject) Rename(_ context.Context, name string) error {
	if err := p.live(); err != nil {
		return err
	}
	p.name = name
	return nil
}

func (p *localProject) Redescribe(_ context.Context, description string) error {
	if err := p.live(); err != nil {
		return err
	}
	p.description = description
	return nil
}

func (p *localProject) AddSlice(_ context.Context, id domain.WorkSliceID) error {
	if err := p.live(); err != nil {
		return err
	}
	if _, ok := p.b.slices[id]; !ok {
		return ErrNotFound
	}
	p.slices[id] = struct{}{}
	p.b.link(p.id, id)
	return nil
}

func (p *localProject) RemoveSlice(_ context.Context, id domain.WorkSliceID) error {
	if err := p.live(); err != nil {
		return err
	}
	if _, ok := p.slices[id]; !ok {
		return ErrNotFound
	}
	delete(p.slices, id)
	p.b.unlink(p.id, id)
	return nil
}

type localSlice struct {
	b       *LocalBacking
	id      domain.WorkSliceID
	span    domain.TimeSpan
	payment domain.Payment
}

func (s *localSlice) live() error {
	if _, ok := s.b.slices[s.id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (s *localSlice) ID() domain.WorkSliceID { return s.id }

func (s *localSlice) Span(context.Context) (domain.TimeSpan, error) {
	if err := s.live(); err != nil {
		return domain.TimeSpan{}, err
	}
	return s.span, nil
}

func (s *localSlice) Payment(context.Context) (domain.Payment, error) {
	if err := s.live(); err != nil {
		return domain.Payment{}, err
	}
	return s.payment, nil
}

func (s *localSlice) Snapshot(context.Context) (domain.SliceSnapshot, error) {
	if err := s.live(); err != nil {
		return domain.SliceSnapshot{}, err
	}
	return domain.SliceSnapshot{ID: s.id, Span: s.span, Payment: s.payment}, nil
}

func (s *localSlice) Projects(context.Context) ([]domain.ProjectID, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	ids := make([]domain.ProjectID, 0, len(s.b.members[s.id]))
	for pid := range s.b.members[s.id] {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *localSlice) Complete(_ context.Context, end time.Time) error {
	if err := s.live(); err != nil {
		return err
	}
	closed, err := s.span.Completed(end)
	if err != nil {
		if errors.Is(err, domain.ErrEndBeforeStart) {
			return invariant("slice %d: end %s before start %s", s.id, end.UTC(), s.span.Start)
		}
		return invariant("slice %d already complete", s.id)
	}
	s.span = closed
	return nil
}

func (s *localSlice) SetPayment(_ context.Context, p domain.Payment) error {
	if err := s.live(); err != nil {
		return err
	}
	if !p.Valid() {
		return invariant("unknown payment kind %q", p.Kind)
	}
	s.payment = p
	return nil
}

func sortedSliceIDs(set map[domain.WorkSliceID]struct{}) []domain.WorkSliceID {
	ids := make([]domain.WorkSliceID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
