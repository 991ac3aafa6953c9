package state_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"worktally/internal/domain"
	"worktally/internal/state"
)

// stubSource is an in-memory Fetcher/Writer that counts calls and can
// be switched off to simulate an unreachable source.
type stubSource struct {
	projects map[domain.ProjectID]domain.ProjectSnapshot
	slices   map[domain.WorkSliceID]domain.SliceSnapshot
	links    map[domain.ProjectID]map[domain.WorkSliceID]bool

	fetches int
	writes  int
	down    bool
}

var errSourceDown = errors.New("connection refused")

func newStubSource() *stubSource {
	return &stubSource{
		projects: map[domain.ProjectID]domain.ProjectSnapshot{},
		slices:   map[domain.WorkSliceID]domain.SliceSnapshot{},
		links:    map[domain.ProjectID]map[domain.WorkSliceID]bool{},
	}
}

func (s *stubSource) FetchProject(_ context.Context, id domain.ProjectID) (domain.ProjectSnapshot, error) {
	s.fetches++
	if s.down {
		return domain.ProjectSnapshot{}, errSourceDown
	}
	p, ok := s.projects[id]
	if !ok {
		return domain.ProjectSnapshot{}, state.ErrNotFound
	}
	for sid := range s.links[id] {
		p.SliceIDs = append(p.SliceIDs, sid)
	}
	return p, nil
}

func (s *stubSource) FetchSlice(_ context.Context, id domain.WorkSliceID) (domain.SliceSnapshot, error) {
	s.fetches++
	if s.down {
		return domain.SliceSnapshot{}, errSourceDown
	}
	sl, ok := s.slices[id]
	if !ok {
		return domain.SliceSnapshot{}, state.ErrNotFound
	}
	return sl, nil
}

func (s *stubSource) FetchSliceProjects(_ context.Context, id domain.WorkSliceID) ([]domain.ProjectID, error) {
	s.fetches++
	if s.down {
		return nil, errSourceDown
	}
	var out []domain.ProjectID
	for pid, set := range s.links {
		if set[id] {
			out = append(out, pid)
		}
	}
	return out, nil
}

func (s *stubSource) SaveProject(_ context.Context, snap domain.ProjectSnapshot) error {
	s.writes++
	if s.down {
		return errSourceDown
	}
	s.projects[snap.ID] = snap
	return nil
}

func (s *stubSource) SaveSlice(_ context.Context, snap domain.SliceSnapshot) error {
	s.writes++
	if s.down {
		return errSourceDown
	}
	s.slices[snap.ID] = snap
	return nil
}

func (s *stubSource) DeleteProject(_ context.Context, id domain.ProjectID) error {
	s.writes++
	if s.down {
		return errSourceDown
	}
	delete(s.projects, id)
	delete(s.links, id)
	return nil
}

func (s *stubSource) DeleteSlice(_ context.Context, id domain.WorkSliceID) error {
	s.writes++
	if s.down {
		return errSourceDown
	}
	delete(s.slices, id)
	for _, set := range s.links {
		delete(set, id)
	}
	return nil
}

func (s *stubSource) SaveLink(_ context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error {
	s.writes++
	if s.down {
		return errSourceDown
	}
	if s.links[pid] == nil {
		s.links[pid] = map[domain.WorkSliceID]bool{}
	}
	s.links[pid][sid] = true
	return nil
}

func (s *stubSource) DeleteLink(_ context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error {
	s.writes++
	if s.down {
		return errSourceDown
	}
	delete(s.links[pid], sid)
	return nil
}

func newRemoteEnv(t *testing.T, snap domain.Snapshot) (*state.State, *stubSource, *fakeClock) {
	t.Helper()
	src := newStubSource()
	for _, p := range snap.Projects {
		src.projects[p.ID] = domain.ProjectSnapshot{ID: p.ID, Name: p.Name, Description: p.Description}
		for _, sid := range p.SliceIDs {
			if src.links[p.ID] == nil {
				src.links[p.ID] = map[domain.WorkSliceID]bool{}
			}
			src.links[p.ID][sid] = true
		}
	}
	for _, sl := range snap.Slices {
		src.slices[sl.ID] = sl
	}
	clock := &fakeClock{now: t0}
	backing := state.NewRemoteBacking(src, src, state.RemoteConfig{
		Staleness: time.Minute,
		Now:       clock.Now,
	})
	st, err := state.New(context.Background(), backing, snap, nil)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	st.Now = clock.Now
	return st, src, clock
}

func TestRemoteReadsServeCacheInsideWindow(t *testing.T) {
	snap := domain.Snapshot{Projects: []domain.ProjectSnapshot{{ID: 1, Name: "cached"}}}
	st, src, clock := newRemoteEnv(t, snap)
	ctx := context.Background()

	// Load primed the cache; reads inside the window hit no fetch.
	for i := 0; i < 5; i++ {
		p, err := st.GetProject(ctx, 1)
		if err != nil {
			t.Fatalf("get project: %v", err)
		}
		if p.Name != "cached" {
			t.Fatalf("name = %q", p.Name)
		}
	}
	if src.fetches != 0 {
		t.Fatalf("%d fetches inside staleness window, want 0", src.fetches)
	}

	// Window elapses: exactly one fetch per read.
	src.projects[1] = domain.ProjectSnapshot{ID: 1, Name: "changed"}
	clock.Advance(2 * time.Minute)
	p, err := st.GetProject(ctx, 1)
	if err != nil {
		t.Fatalf("get project after window: %v", err)
	}
	if p.Name != "changed" {
		t.Fatalf("stale value served after window: %q", p.Name)
	}
	if src.fetches != 1 {
		t.Fatalf("%d fetches after window, want 1", src.fetches)
	}
	// The re-fetch renewed the window.
	if _, err := st.GetProject(ctx, 1); err != nil {
		t.Fatalf("get project: %v", err)
	}
	if src.fetches != 1 {
		t.Fatalf("fresh value re-fetched: %d fetches", src.fetches)
	}
}

func TestRemoteFetchFailureReportsStaleFallback(t *testing.T) {
	snap := domain.Snapshot{Projects: []domain.ProjectSnapshot{{ID: 1, Name: "last-known"}}}
	st, src, clock := newRemoteEnv(t, snap)
	ctx := context.Background()

	clock.Advance(2 * time.Minute)
	src.down = true
	p, err := st.GetProject(ctx, 1)
	var se *state.SourceError
	if !errors.As(err, &se) {
		t.Fatalf("expected SourceError, got %v", err)
	}
	if !se.Stale {
		t.Fatal("stale cached value available but not flagged")
	}
	if p.Name != "last-known" {
		t.Fatalf("stale fallback = %q, want last-known", p.Name)
	}

	// Source recovers: next read re-fetches cleanly.
	src.down = false
	src.projects[1] = domain.ProjectSnapshot{ID: 1, Name: "recovered"}
	p, err = st.GetProject(ctx, 1)
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if p.Name != "recovered" {
		t.Fatalf("name after recovery = %q", p.Name)
	}
}

func TestRemoteWriteThrough(t *testing.T) {
	st, src, _ := newRemoteEnv(t, domain.Snapshot{})
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "Website", "rebuild")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if got := src.projects[p.ID]; got.Name != "Website" {
		t.Fatalf("create not written through: %+v", got)
	}
	if err := st.RenameProject(ctx, p.ID, "Relaunch"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := src.projects[p.ID]; got.Name != "Relaunch" {
		t.Fatalf("rename not written through: %+v", got)
	}
}

func TestRemoteFailedWriteLeavesCacheUnchanged(t *testing.T) {
	snap := domain.Snapshot{Projects: []domain.ProjectSnapshot{{ID: 1, Name: "before"}}}
	st, src, _ := newRemoteEnv(t, snap)
	ctx := context.Background()

	src.down = true
	err := st.RenameProject(ctx, 1, "after")
	var we *state.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	src.down = false

	p, err := st.GetProject(ctx, 1)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Name != "before" {
		t.Fatalf("cache mutated by failed write: %q", p.Name)
	}
	if len(st.Drain()) != 0 {
		t.Fatal("failed write appended to the change log")
	}
}

func TestRemoteSliceCompletionWritesThrough(t *testing.T) {
	st, src, clock := newRemoteEnv(t, domain.Snapshot{})
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "p", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	s, err := st.StartWork(ctx, p.ID, domain.Hourly(25), time.Time{})
	if err != nil {
		t.Fatalf("start work: %v", err)
	}
	if !src.links[p.ID][s.ID] {
		t.Fatal("link not written through")
	}
	clock.Advance(2 * time.Hour)
	if err := st.CompleteWork(ctx, s.ID, time.Time{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored := src.slices[s.ID]
	if !stored.Span.Complete() {
		t.Fatal("completion not written through")
	}
	owed, err := st.AmountOwed(ctx, p.ID)
	if err != nil {
		t.Fatalf("owed: %v", err)
	}
	if owed != 50 {
		t.Fatalf("owed = %d, want 50", owed)
	}
}

func TestCloseDeliversChangesWhenSnapshotFails(t *testing.T) {
	src := newStubSource()
	clock := &fakeClock{now: t0}
	backing := state.NewRemoteBacking(src, src, state.RemoteConfig{
		Staleness: time.Minute,
		Now:       clock.Now,
	})
	var calls int
	var gotChanges []state.Change
	var gotSnap domain.Snapshot
	st, err := state.New(context.Background(), backing, domain.Snapshot{}, func(changes []state.Change, snap domain.Snapshot) {
		calls++
		gotChanges = changes
		gotSnap = snap
	})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	st.Now = clock.Now
	ctx := context.Background()

	if _, err := st.CreateProject(ctx, "p", ""); err != nil {
		t.Fatalf("create project: %v", err)
	}
	// Cache goes stale, then the source goes away: the final snapshot
	// cannot be taken.
	clock.Advance(2 * time.Minute)
	src.down = true

	if err := st.Close(ctx); err == nil {
		t.Fatal("close with unreachable source reported no error")
	}
	if calls != 1 {
		t.Fatalf("commit hook ran %d times, want 1", calls)
	}
	if len(gotChanges) != 1 || gotChanges[0].Op != state.OpProjectCreated {
		t.Fatalf("hook changes = %v, want the pending project.created", gotChanges)
	}
	if len(gotSnap.Projects) != 0 || len(gotSnap.Slices) != 0 {
		t.Fatalf("hook snapshot = %+v, want zero when it could not be taken", gotSnap)
	}
}

func TestRemoteDeleteSliceRemovesEverywhere(t *testing.T) {
	st, src, _ := newRemoteEnv(t, domain.Snapshot{})
	ctx := context.Background()

	p1, _ := st.CreateProject(ctx, "one", "")
	p2, _ := st.CreateProject(ctx, "two", "")
	end := t0.Add(time.Hour)
	s, err := st.CreateSlice(ctx, state.SliceCreateOptions{
		Start:      t0,
		End:        &end,
		Payment:    domain.Flat(100),
		ProjectIDs: []domain.ProjectID{p1.ID, p2.ID},
	})
	if err != nil {
		t.Fatalf("create slice: %v", err)
	}
	if err := st.DeleteSlice(ctx, s.ID); err != nil {
		t.Fatalf("delete slice: %v", err)
	}
	if _, ok := src.slices[s.ID]; ok {
		t.Fatal("slice still in source")
	}
	for _, pid := range []domain.ProjectID{p1.ID, p2.ID} {
		pv, err := st.GetProject(ctx, pid)
		if err != nil {
			t.Fatalf("get project %d: %v", pid, err)
		}
		if pv.HasSlice(s.ID) {
			t.Fatalf("project %d cache still references deleted slice", pid)
		}
	}
}
