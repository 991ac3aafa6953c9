// Package store is the SQLite persistence collaborator. It satisfies
// the narrow fetch and write-through contracts of the state package,
// loads the initial snapshot at startup, and applies drained change
// batches idempotently.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"worktally/internal/domain"
	"worktally/internal/state"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func parseInstant(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func scanSlice(scan func(...any) error) (domain.SliceSnapshot, error) {
	var (
		snap   domain.SliceSnapshot
		start  string
		end    sql.NullString
		hourly bool
	)
	if err := scan(&snap.ID, &start, &end, &hourly, &snap.Payment.Amount); err != nil {
		return domain.SliceSnapshot{}, err
	}
	st, err := parseInstant(start)
	if err != nil {
		return domain.SliceSnapshot{}, fmt.Errorf("slice %d: bad start: %w", snap.ID, err)
	}
	snap.Span = domain.IncompleteSpan(st)
	if end.Valid {
		e, err := parseInstant(end.String)
		if err != nil {
			return domain.SliceSnapshot{}, fmt.Errorf("slice %d: bad end: %w", snap.ID, err)
		}
		snap.Span, err = domain.CompleteSpan(st, e)
		if err != nil {
			return domain.SliceSnapshot{}, fmt.Errorf("slice %d: %w", snap.ID, err)
		}
	}
	if hourly {
		snap.Payment.Kind = domain.PaymentHourly
	} else {
		snap.Payment.Kind = domain.PaymentFlat
	}
	return snap, nil
}

func (s Store) FetchProject(ctx context.Context, id domain.ProjectID) (domain.ProjectSnapshot, error) {
	var p domain.ProjectSnapshot
	var desc sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT project_id, name, description FROM project WHERE project_id=?`, id).
		Scan(&p.ID, &p.Name, &desc)
	if err == sql.ErrNoRows {
		return domain.ProjectSnapshot{}, state.ErrNotFound
	}
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT work_id FROM project_work_slice WHERE project_id=? ORDER BY work_id`, id)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var sid domain.WorkSliceID
		if err := rows.Scan(&sid); err != nil {
			return domain.ProjectSnapshot{}, err
		}
		p.SliceIDs = append(p.SliceIDs, sid)
	}
	return p, rows.Err()
}

func (s Store) FetchSlice(ctx context.Context, id domain.WorkSliceID) (domain.SliceSnapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT work_id, start_at, end_at, payment_hourly, payment_amount FROM work_slice WHERE work_id=?`, id)
	snap, err := scanSlice(row.Scan)
	if err == sql.ErrNoRows {
		return domain.SliceSnapshot{}, state.ErrNotFound
	}
	return snap, err
}

func (s Store) FetchSliceProjects(ctx context.Context, id domain.WorkSliceID) ([]domain.ProjectID, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT project_id FROM project_work_slice WHERE work_id=? ORDER BY project_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProjectID
	for rows.Next() {
		var pid domain.ProjectID
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, rows.Err()
}

func (s Store) SaveProject(ctx context.Context, snap domain.ProjectSnapshot) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO project(project_id, name, description) VALUES (?,?,?)
		 ON CONFLICT(project_id) DO UPDATE SET name=excluded.name, description=excluded.description`,
		snap.ID, snap.Name, nullable(snap.Description))
	return err
}

func (s Store) SaveSlice(ctx context.Context, snap domain.SliceSnapshot) error {
	var end any
	if snap.Span.End != nil {
		end = formatInstant(*snap.Span.End)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO work_slice(work_id, start_at, end_at, payment_hourly, payment_amount) VALUES (?,?,?,?,?)
		 ON CONFLICT(work_id) DO UPDATE SET start_at=excluded.start_at, end_at=excluded.end_at,
		 payment_hourly=excluded.payment_hourly, payment_amount=excluded.payment_amount`,
		snap.ID, formatInstant(snap.Span.Start), end,
		snap.Payment.Kind == domain.PaymentHourly, snap.Payment.Amount)
	return err
}

func (s Store) DeleteProject(ctx context.Context, id domain.ProjectID) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM project WHERE project_id=?`, id)
	return err
}

func (s Store) DeleteSlice(ctx context.Context, id domain.WorkSliceID) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM work_slice WHERE work_id=?`, id)
	return err
}

func (s Store) SaveLink(ctx context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO project_work_slice(project_id, work_id) VALUES (?,?) ON CONFLICT DO NOTHING`, pid, sid)
	return err
}

func (s Store) DeleteLink(ctx context.Context, pid domain.ProjectID, sid domain.WorkSliceID) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM project_work_slice WHERE project_id=? AND work_id=?`, pid, sid)
	return err
}

// LoadSnapshot reads the full entity graph, ordered by id.
func (s Store) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	rows, err := s.DB.QueryContext(ctx,
		`SELECT work_id, start_at, end_at, payment_hourly, payment_amount FROM work_slice ORDER BY work_id`)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		sl, err := scanSlice(rows.Scan)
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap.Slices = append(snap.Slices, sl)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	prows, err := s.DB.QueryContext(ctx,
		`SELECT project_id, name, COALESCE(description,'') FROM project ORDER BY project_id`)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer prows.Close()
	for prows.Next() {
		var p domain.ProjectSnapshot
		if err := prows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return domain.Snapshot{}, err
		}
		snap.Projects = append(snap.Projects, p)
	}
	if err := prows.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	lrows, err := s.DB.QueryContext(ctx,
		`SELECT project_id, work_id FROM project_work_slice ORDER BY project_id, work_id`)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer lrows.Close()
	members := map[domain.ProjectID][]domain.WorkSliceID{}
	for lrows.Next() {
		var pid domain.ProjectID
		var sid domain.WorkSliceID
		if err := lrows.Scan(&pid, &sid); err != nil {
			return domain.Snapshot{}, err
		}
		members[pid] = append(members[pid], sid)
	}
	if err := lrows.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	for i := range snap.Projects {
		snap.Projects[i].SliceIDs = members[snap.Projects[i].ID]
	}
	return snap, nil
}

// Apply persists a drained change batch in one transaction. Each change
// id is recorded; a change already recorded is skipped, so re-applying
// a batch after a partial failure is safe.
func (s Store) Apply(ctx context.Context, changes []state.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range changes {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO applied_change(change_id, op, applied_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
			c.ID, string(c.Op), formatInstant(s.now()))
		if err != nil {
			return fmt.Errorf("record change %s: %w", c.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			continue // already applied
		}
		if err := applyTx(ctx, tx, c); err != nil {
			return fmt.Errorf("apply change %s (%s): %w", c.ID, c.Op, err)
		}
	}
	return tx.Commit()
}

func applyTx(ctx context.Context, tx *sql.Tx, c state.Change) error {
	switch c.Op {
	case state.OpProjectCreated, state.OpProjectUpdated:
		if c.Project == nil {
			return fmt.Errorf("%s without project value", c.Op)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO project(project_id, name, description) VALUES (?,?,?)
			 ON CONFLICT(project_id) DO UPDATE SET name=excluded.name, description=excluded.description`,
			c.Project.ID, c.Project.Name, nullable(c.Project.Description))
		return err
	case state.OpProjectDeleted:
		_, err := tx.ExecContext(ctx, `DELETE FROM project WHERE project_id=?`, c.ProjectID)
		return err
	case state.OpSliceCreated, state.OpSliceUpdated:
		if c.Slice == nil {
			return fmt.Errorf("%s without slice value", c.Op)
		}
		var end any
		if c.Slice.Span.End != nil {
			end = formatInstant(*c.Slice.Span.End)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO work_slice(work_id, start_at, end_at, payment_hourly, payment_amount) VALUES (?,?,?,?,?)
			 ON CONFLICT(work_id) DO UPDATE SET start_at=excluded.start_at, end_at=excluded.end_at,
			 payment_hourly=excluded.payment_hourly, payment_amount=excluded.payment_amount`,
			c.Slice.ID, formatInstant(c.Slice.Span.Start), end,
			c.Slice.Payment.Kind == domain.PaymentHourly, c.Slice.Payment.Amount)
		return err
	case state.OpSliceDeleted:
		_, err := tx.ExecContext(ctx, `DELETE FROM work_slice WHERE work_id=?`, c.SliceID)
		return err
	case state.OpLinkAdded:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO project_work_slice(project_id, work_id) VALUES (?,?) ON CONFLICT DO NOTHING`,
			c.ProjectID, c.SliceID)
		return err
	case state.OpLinkRemoved:
		_, err := tx.ExecContext(ctx,
			`DELETE FROM project_work_slice WHERE project_id=? AND work_id=?`, c.ProjectID, c.SliceID)
		return err
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
