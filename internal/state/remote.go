package state

import (
	"context"
	"errors"
	"time"

	"worktally/internal/domain"
)

// Fetcher is the narrow read contract a remote source must supply. A
// missing entity is reported with ErrNotFound; any other error is
// treated as the source being unreachable.
type Fetcher interface {
	FetchProject(ctx context.Context, id domain.ProjectID) (domain.ProjectSnapshot, error)
	FetchSlice(ctx context.Context, id domain.WorkSliceID) (domain.SliceSnapshot, error)
	FetchSliceProjects(ctx context.Context, id domain.WorkSliceID) ([]domain.ProjectID, error)
}

// Writer is the write-through contract. Saves are upserts.
type Writer interface {
	SaveProject(ctx context.Context, snap domain.ProjectSnapshot) error
	SaveSlice(ctx context.Context, snap domain.SliceSnapshot) error
	DeleteProject(ctx context.Context, id domain.ProjectID) error
	DeleteSlice(ctx context.Context, id domain.WorkSliceID) error
	SaveLink(ctx context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error
	DeleteLink(ctx context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error
}

// DefaultStaleness bounds how old a cached field may be before a getter
// re-fetches it.
const DefaultStaleness = 30 * time.Second

// RemoteConfig tunes a RemoteBacking.
type RemoteConfig struct {
	Staleness time.Duration
	Now       func() time.Time
}

// RemoteBacking satisfies Backing against an external store reached
// through Fetcher/Writer. Every cached field carries the instant it was
// last refreshed; getters serve the cache inside the staleness window
// and re-fetch once it elapses. Mutators write through synchronously
// before touching the cache, so cache and source never diverge: a
// failed write-through leaves the cache unchanged.
type RemoteBacking struct {
	fetcher  Fetcher
	writer   Writer
	window   time.Duration
	now      func() time.Time
	projects map[domain.ProjectID]*remoteProject
	slices   map[domain.WorkSliceID]*remoteSlice
}

// NewRemoteBacking wraps the given source contracts.
func NewRemoteBacking(f Fetcher, w Writer, cfg RemoteConfig) *RemoteBacking {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RemoteBacking{
		fetcher:  f,
		writer:   w,
		window:   cfg.Staleness,
		now:      cfg.Now,
		projects: map[domain.ProjectID]*remoteProject{},
		slices:   map[domain.WorkSliceID]*remoteSlice{},
	}
}

// cached pairs a field value with the instant it was last refreshed.
type cached[T any] struct {
	value     T
	fetchedAt time.Time
	primed    bool
}

func (c *cached[T]) set(v T, at time.Time) {
	c.value = v
	c.fetchedAt = at
	c.primed = true
}

func (c *cached[T]) fresh(now time.Time, window time.Duration) bool {
	return c.primed && now.Sub(c.fetchedAt) < window
}

func (b *RemoteBacking) Load(_ context.Context, snap domain.Snapshot) ([]Project, []WorkSlice, error) {
	now := b.now()
	var slices []WorkSlice
	for _, s := range snap.Slices {
		h := &remoteSlice{b: b, id: s.ID}
		h.prime(s, now)
		b.slices[s.ID] = h
		slices = append(slices, h)
	}
	var projects []Project
	for _, p := range snap.Projects {
		h := &remoteProject{b: b, id: p.ID}
		h.prime(p, now)
		b.projects[p.ID] = h
		projects = append(projects, h)
	}
	return projects, slices, nil
}

func (b *RemoteBacking) AddProject(ctx context.Context, snap domain.ProjectSnapshot) (Project, error) {
	if err := b.writer.SaveProject(ctx, snap); err != nil {
		return nil, &WriteError{Op: "save project", Err: err}
	}
	for _, sid := range snap.SliceIDs {
		if err := b.writer.SaveLink(ctx, snap.ID, sid); err != nil {
			return nil, &WriteError{Op: "save link", Err: err}
		}
	}
	h := &remoteProject{b: b, id: snap.ID}
	h.prime(snap, b.now())
	b.projects[snap.ID] = h
	return h, nil
}

func (b *RemoteBacking) AddSlice(ctx context.Context, snap domain.SliceSnapshot) (WorkSlice, error) {
	if err := b.writer.SaveSlice(ctx, snap); err != nil {
		return nil, &WriteError{Op: "save slice", Err: err}
	}
	h := &remoteSlice{b: b, id: snap.ID}
	h.prime(snap, b.now())
	b.slices[snap.ID] = h
	return h, nil
}

func (b *RemoteBacking) RemoveProject(ctx context.Context, id domain.ProjectID) error {
	if _, ok := b.projects[id]; !ok {
		return ErrNotFound
	}
	if err := b.writer.DeleteProject(ctx, id); err != nil {
		return &WriteError{Op: "delete project", Err: err}
	}
	delete(b.projects, id)
	for _, s := range b.slices {
		s.dropProject(id)
	}
	return nil
}

func (b *RemoteBacking) RemoveSlice(ctx context.Context, id domain.WorkSliceID) error {
	if _, ok := b.slices[id]; !ok {
		return ErrNotFound
	}
	if err := b.writer.DeleteSlice(ctx, id); err != nil {
		return &WriteError{Op: "delete slice", Err: err}
	}
	delete(b.slices, id)
	for _, p := range b.projects {
		p.dropSlice(id)
	}
	return nil
}

type remoteProject struct {
	b           *RemoteBacking
	id          domain.ProjectID
	name        cached[string]
	description cached[string]
	sliceIDs    cached[[]domain.WorkSliceID]
}

func (p *remoteProject) ID() domain.ProjectID { return p.id }

func (p *remoteProject) prime(snap domain.ProjectSnapshot, at time.Time) {
	p.name.set(snap.Name, at)
	p.description.set(snap.Description, at)
	p.sliceIDs.set(append([]domain.WorkSliceID(nil), snap.SliceIDs...), at)
}

func (p *remoteProject) live() error {
	if p.b.projects[p.id] != p {
		return ErrNotFound
	}
	return nil
}

// refresh re-fetches the whole project record. One fetch renews every
// field the record carries.
func (p *remoteProject) refresh(ctx context.Context, stale bool) error {
	snap, err := p.b.fetcher.FetchProject(ctx, p.id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return &SourceError{Op: "fetch project", Stale: stale, Err: err}
	}
	p.prime(snap, p.b.now())
	return nil
}

func (p *remoteProject) Name(ctx context.Context) (string, error) {
	if err := p.live(); err != nil {
		return "", err
	}
	if p.name.fresh(p.b.now(), p.b.window) {
		return p.name.value, nil
	}
	if err := p.refresh(ctx, p.name.primed); err != nil {
		return p.name.value, err
	}
	return p.name.value, nil
}

func (p *remoteProject) Description(ctx context.Context) (string, error) {
	if err := p.live(); err != nil {
		return "", err
	}
	if p.description.fresh(p.b.now(), p.b.window) {
		return p.description.value, nil
	}
	if err := p.refresh(ctx, p.description.primed); err != nil {
		return p.description.value, err
	}
	return p.description.value, nil
}

func (p *remoteProject) SliceIDs(ctx context.Context) ([]domain.WorkSliceID, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	if p.sliceIDs.fresh(p.b.now(), p.b.window) {
		return p.sliceIDs.value, nil
	}
	if err := p.refresh(ctx, p.sliceIDs.primed); err != nil {
		return p.sliceIDs.value, err
	}
	return p.sliceIDs.value, nil
}

func (p *remoteProject) Snapshot(ctx context.Context) (domain.ProjectSnapshot, error) {
	if err := p.live(); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	now := p.b.now()
	if !(p.name.fresh(now, p.b.window) && p.description.fresh(now, p.b.window) && p.sliceIDs.fresh(now, p.b.window)) {
		if err := p.refresh(ctx, p.name.primed); err != nil {
			return p.cachedSnapshot(), err
		}
	}
	return p.cachedSnapshot(), nil
}

func (p *remoteProject) cachedSnapshot() domain.ProjectSnapshot {
	return domain.ProjectSnapshot{
		ID:          p.id,
		Name:        p.name.value,
		Description: p.description.value,
		SliceIDs:    append([]domain.WorkSliceID(nil), p.sliceIDs.value...),
	}
}

func (p *remoteProject) Rename(ctx context.Context, name string) error {
	return p.writeThrough(ctx, func(snap *domain.ProjectSnapshot) { snap.Name = name })
}

func (p *remoteProject) Redescribe(ctx context.Context, description string) error {
	return p.writeThrough(ctx, func(snap *domain.ProjectSnapshot) { snap.Description = description })
}

// writeThrough applies mutate to the current record, saves it remotely
// and only then replaces the cache.
func (p *remoteProject) writeThrough(ctx context.Context, mutate func(*domain.ProjectSnapshot)) error {
	if err := p.live(); err != nil {
		return err
	}
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return err
	}
	mutate(&snap)
	if err := p.b.writer.SaveProject(ctx, snap); err != nil {
		return &WriteError{Op: "save project", Err: err}
	}
	p.prime(snap, p.b.now())
	return nil
}

func (p *remoteProject) AddSlice(ctx context.Context, id domain.WorkSliceID) error {
	if err := p.live(); err != nil {
		return err
	}
	if _, ok := p.b.slices[id]; !ok {
		return ErrNotFound
	}
	if err := p.b.writer.SaveLink(ctx, p.id, id); err != nil {
		return &WriteError{Op: "save link", Err: err}
	}
	if p.sliceIDs.primed && !contains(p.sliceIDs.value, id) {
		p.sliceIDs.value = append(p.sliceIDs.value, id)
	}
	if s, ok := p.b.slices[id]; ok {
		s.addProject(p.id)
	}
	return nil
}

func (p *remoteProject) RemoveSlice(ctx context.Context, id domain.WorkSliceID) error {
	if err := p.live(); err != nil {
		return err
	}
	if !contains(p.sliceIDs.value, id) {
		if err := p.refresh(ctx, p.sliceIDs.primed); err != nil {
			return err
		}
		if !contains(p.sliceIDs.value, id) {
			return ErrNotFound
		}
	}
	if err := p.b.writer.DeleteLink(ctx, p.id, id); err != nil {
		return &WriteError{Op: "delete link", Err: err}
	}
	p.dropSlice(id)
	if s, ok := p.b.slices[id]; ok {
		s.dropProject(p.id)
	}
	return nil
}

func (p *remoteProject) dropSlice(id domain.WorkSliceID) {
	if !p.sliceIDs.primed {
		return
	}
	out := p.sliceIDs.value[:0]
	for _, sid := range p.sliceIDs.value {
		if sid != id {
			out = append(out, sid)
		}
	}
	p.sliceIDs.value = out
}

type remoteSlice struct {
	b        *RemoteBacking
	id       domain.WorkSliceID
	span     cached[domain.TimeSpan]
	payment  cached[domain.Payment]
	projects cached[[]domain.ProjectID]
}

func (s *remoteSlice) ID() domain.WorkSliceID { return s.id }

func (s *remoteSlice) prime(snap domain.SliceSnapshot, at time.Time) {
	s.span.set(snap.Span, at)
	s.payment.set(snap.Payment, at)
}

func (s *remoteSlice) live() error {
	if s.b.slices[s.id] != s {
		return ErrNotFound
	}
	return nil
}

func (s *remoteSlice) refresh(ctx context.Context, stale bool) error {
	snap, err := s.b.fetcher.FetchSlice(ctx, s.id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return &SourceError{Op: "fetch slice", Stale: stale, Err: err}
	}
	s.prime(snap, s.b.now())
	return nil
}

func (s *remoteSlice) Span(ctx context.Context) (domain.TimeSpan, error) {
	if err := s.live(); err != nil {
		return domain.TimeSpan{}, err
	}
	if s.span.fresh(s.b.now(), s.b.window) {
		return s.span.value, nil
	}
	if err := s.refresh(ctx, s.span.primed); err != nil {
		return s.span.value, err
	}
	return s.span.value, nil
}

func (s *remoteSlice) Payment(ctx context.Context) (domain.Payment, error) {
	if err := s.live(); err != nil {
		return domain.Payment{}, err
	}
	if s.payment.fresh(s.b.now(), s.b.window) {
		return s.payment.value, nil
	}
	if err := s.refresh(ctx, s.payment.primed); err != nil {
		return s.payment.value, err
	}
	return s.payment.value, nil
}

func (s *remoteSlice) Snapshot(ctx context.Context) (domain.SliceSnapshot, error) {
	if err := s.live(); err != nil {
		return domain.SliceSnapshot{}, err
	}
	now := s.b.now()
	if !(s.span.fresh(now, s.b.window) && s.payment.fresh(now, s.b.window)) {
		if err := s.refresh(ctx, s.span.primed); err != nil {
			return s.cachedSnapshot(), err
		}
	}
	return s.cachedSnapshot(), nil
}

func (s *remoteSlice) cachedSnapshot() domain.SliceSnapshot {
	return domain.SliceSnapshot{ID: s.id, Span: s.span.value, Payment: s.payment.value}
}

// Projects is served by querying the source; membership can change
// through other projects' handles, so it has its own refresh instant.
func (s *remoteSlice) Projects(ctx context.Context) ([]domain.ProjectID, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if s.projects.fresh(s.b.now(), s.b.window) {
		return s.projects.value, nil
	}
	ids, err := s.b.fetcher.FetchSliceProjects(ctx, s.id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return s.projects.value, &SourceError{Op: "fetch slice projects", Stale: s.projects.primed, Err: err}
	}
	s.projects.set(ids, s.b.now())
	return s.projects.value, nil
}

func (s *remoteSlice) Complete(ctx context.Context, end time.Time) error {
	if err := s.live(); err != nil {
		return err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	closed, err := snap.Span.Completed(end)
	if err != nil {
		if errors.Is(err, domain.ErrEndBeforeStart) {
			return invariant("slice %d: end %s before start %s", s.id, end.UTC(), snap.Span.Start)
		}
		return invariant("slice %d already complete", s.id)
	}
	snap.Span = closed
	if err := s.b.writer.SaveSlice(ctx, snap); err != nil {
		return &WriteError{Op: "save slice", Err: err}
	}
	s.prime(snap, s.b.now())
	return nil
}

func (s *remoteSlice) SetPayment(ctx context.Context, p domain.Payment) error {
	if err := s.live(); err != nil {
		return err
	}
	if !p.Valid() {
		return invariant("unknown payment kind %q", p.Kind)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	snap.Payment = p
	if err := s.b.writer.SaveSlice(ctx, snap); err != nil {
		return &WriteError{Op: "save slice", Err: err}
	}
	s.prime(snap, s.b.now())
	return nil
}

func (s *remoteSlice) addProject(id domain.ProjectID) {
	if s.projects.primed && !containsProject(s.projects.value, id) {
		s.projects.value = append(s.projects.value, id)
	}
}

func (s *remoteSlice) dropProject(id domain.ProjectID) {
	if !s.projects.primed {
		return
	}
	out := s.projects.value[:0]
	for _, pid := range s.projects.value {
		if pid != id {
			out = append(out, pid)
		}
	}
	s.projects.value = out
}

func contains(ids []domain.WorkSliceID, id domain.WorkSliceID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsProject(ids []domain.ProjectID, id domain.ProjectID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
