package store_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"worktally/internal/db"
	"worktally/internal/domain"
	"worktally/internal/migrate"
	"worktally/internal/state"
	"worktally/internal/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (store.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Now = func() time.Time { return t0 }
	return st, context.Background()
}

func TestSaveAndFetchProject(t *testing.T) {
	st, ctx := newTestStore(t)
	want := domain.ProjectSnapshot{ID: 1, Name: "Website", Description: "rebuild"}
	if err := st.SaveProject(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.FetchProject(ctx, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Name != want.Name || got.Description != want.Description {
		t.Fatalf("fetched %+v, want %+v", got, want)
	}

	want.Name = "Relaunch"
	if err := st.SaveProject(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = st.FetchProject(ctx, 1)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got.Name != "Relaunch" {
		t.Fatalf("upsert did not stick: %q", got.Name)
	}

	if _, err := st.FetchProject(ctx, 99); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("missing project: got %v, want ErrNotFound", err)
	}
}

func TestSaveAndFetchSlice(t *testing.T) {
	st, ctx := newTestStore(t)

	open := domain.SliceSnapshot{ID: 1, Span: domain.IncompleteSpan(t0), Payment: domain.Hourly(25)}
	if err := st.SaveSlice(ctx, open); err != nil {
		t.Fatalf("save open slice: %v", err)
	}
	got, err := st.FetchSlice(ctx, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Span.Complete() {
		t.Fatal("null end_at read back as complete")
	}
	if got.Payment.Kind != domain.PaymentHourly || got.Payment.Amount != 25 {
		t.Fatalf("payment read back as %+v", got.Payment)
	}

	closed, err := open.Span.Completed(t0.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("complete span: %v", err)
	}
	open.Span = closed
	if err := st.SaveSlice(ctx, open); err != nil {
		t.Fatalf("save closed slice: %v", err)
	}
	got, err = st.FetchSlice(ctx, 1)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if !got.Span.Complete() || !got.Span.End.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("closed span read back as %+v", got.Span)
	}

	if _, err := st.FetchSlice(ctx, 99); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("missing slice: got %v, want ErrNotFound", err)
	}
}

func TestLinksAndReverseLookup(t *testing.T) {
	st, ctx := newTestStore(t)
	for pid := domain.ProjectID(1); pid <= 2; pid++ {
		if err := st.SaveProject(ctx, domain.ProjectSnapshot{ID: pid, Name: "p"}); err != nil {
			t.Fatalf("save project: %v", err)
		}
	}
	if err := st.SaveSlice(ctx, domain.SliceSnapshot{ID: 1, Span: domain.IncompleteSpan(t0), Payment: domain.Flat(5)}); err != nil {
		t.Fatalf("save slice: %v", err)
	}
	for pid := domain.ProjectID(1); pid <= 2; pid++ {
		if err := st.SaveLink(ctx, pid, 1); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	// duplicate link is a no-op
	if err := st.SaveLink(ctx, 1, 1); err != nil {
		t.Fatalf("duplicate link: %v", err)
	}

	pids, err := st.FetchSliceProjects(ctx, 1)
	if err != nil {
		t.Fatalf("reverse lookup: %v", err)
	}
	if !reflect.DeepEqual(pids, []domain.ProjectID{1, 2}) {
		t.Fatalf("slice projects = %v, want [1 2]", pids)
	}

	if err := st.DeleteLink(ctx, 1, 1); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	p, err := st.FetchProject(ctx, 1)
	if err != nil {
		t.Fatalf("fetch project: %v", err)
	}
	if p.HasSlice(1) {
		t.Fatal("unlinked slice still listed")
	}

	// deleting the slice cascades the remaining link
	if err := st.DeleteSlice(ctx, 1); err != nil {
		t.Fatalf("delete slice: %v", err)
	}
	pids, err = st.FetchSliceProjects(ctx, 1)
	if err != nil {
		t.Fatalf("reverse lookup after delete: %v", err)
	}
	if len(pids) != 0 {
		t.Fatalf("deleted slice still linked: %v", pids)
	}
}

func TestLoadSnapshotRoundTrip(t *testing.T) {
	st, ctx := newTestStore(t)
	end := t0.Add(time.Hour)
	span, _ := domain.CompleteSpan(t0, end)
	want := domain.Snapshot{
		Projects: []domain.ProjectSnapshot{
			{ID: 1, Name: "Website", Description: "rebuild", SliceIDs: []domain.WorkSliceID{1, 2}},
			{ID: 2, Name: "Ops"},
		},
		Slices: []domain.SliceSnapshot{
			{ID: 1, Span: span, Payment: domain.Hourly(25)},
			{ID: 2, Span: domain.IncompleteSpan(end), Payment: domain.Flat(100)},
		},
	}
	for _, p := range want.Projects {
		if err := st.SaveProject(ctx, p); err != nil {
			t.Fatalf("save project: %v", err)
		}
	}
	for _, sl := range want.Slices {
		if err := st.SaveSlice(ctx, sl); err != nil {
			t.Fatalf("save slice: %v", err)
		}
	}
	for _, p := range want.Projects {
		for _, sid := range p.SliceIDs {
			if err := st.SaveLink(ctx, p.ID, sid); err != nil {
				t.Fatalf("save link: %v", err)
			}
		}
	}

	got, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot round trip:\ngot:  %+v\nwant: %+v", got, want)
	}
}

func TestApplyChangeBatch(t *testing.T) {
	st, ctx := newTestStore(t)
	end := t0.Add(2 * time.Hour)
	span, _ := domain.CompleteSpan(t0, end)
	changes := []state.Change{
		{ID: "c1", Op: state.OpProjectCreated, ProjectID: 1,
			Project: &domain.ProjectSnapshot{ID: 1, Name: "Website", Description: "rebuild"}},
		{ID: "c2", Op: state.OpSliceCreated, SliceID: 1,
			Slice: &domain.SliceSnapshot{ID: 1, Span: domain.IncompleteSpan(t0), Payment: domain.Hourly(25)}},
		{ID: "c3", Op: state.OpLinkAdded, ProjectID: 1, SliceID: 1},
		{ID: "c4", Op: state.OpSliceUpdated, SliceID: 1,
			Slice: &domain.SliceSnapshot{ID: 1, Span: span, Payment: domain.Hourly(25)}},
	}
	if err := st.Apply(ctx, changes); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sl, err := st.FetchSlice(ctx, 1)
	if err != nil {
		t.Fatalf("fetch slice: %v", err)
	}
	if !sl.Span.Complete() {
		t.Fatal("slice update not applied")
	}
	p, err := st.FetchProject(ctx, 1)
	if err != nil {
		t.Fatalf("fetch project: %v", err)
	}
	if !p.HasSlice(1) {
		t.Fatal("link not applied")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st, ctx := newTestStore(t)
	changes := []state.Change{
		{ID: "c1", Op: state.OpProjectCreated, ProjectID: 1,
			Project: &domain.ProjectSnapshot{ID: 1, Name: "once"}},
		{ID: "c2", Op: state.OpProjectUpdated, ProjectID: 1,
			Project: &domain.ProjectSnapshot{ID: 1, Name: "final"}},
	}
	if err := st.Apply(ctx, changes); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// a retried batch, plus one genuinely new change
	retried := append(changes, state.Change{
		ID: "c3", Op: state.OpProjectDeleted, ProjectID: 1,
	})
	if err := st.Apply(ctx, retried); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if _, err := st.FetchProject(ctx, 1); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("delete in retried batch not applied: %v", err)
	}
}
