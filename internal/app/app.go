// Package app wires the storage, config and state layers into one
// runnable application context shared by the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"worktally/internal/config"
	"worktally/internal/db"
	"worktally/internal/domain"
	"worktally/internal/migrate"
	"worktally/internal/state"
	"worktally/internal/store"
)

// App holds everything a command needs: the open database, the loaded
// config, the store and a ready State.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Store  store.Store
	State  *state.State
	Log    *log.Logger
}

// Options select how the State is backed.
type Options struct {
	Workspace string
	// Remote backs the State with the read-through cache instead of
	// loading everything into memory. Used by the long-running server;
	// one-shot CLI commands load the full graph locally.
	Remote bool
}

// Open boots the application: opens and migrates the database, loads
// config, reads the initial snapshot and constructs the State. The
// commit hook applies any pending changes back to the store.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger := log.New(os.Stderr, "worktally: ", log.LstdFlags)
	st := store.New(conn)
	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var backing state.Backing
	if opts.Remote {
		backing = state.NewRemoteBacking(st, st, state.RemoteConfig{
			Staleness: cfg.Cache.Staleness.Std(),
		})
	} else {
		backing = state.NewLocalBacking()
	}

	commit := func(changes []state.Change, _ domain.Snapshot) {
		if err := st.Apply(context.Background(), changes); err != nil {
			logger.Printf("commit: apply %d changes: %v", len(changes), err)
		}
	}
	value, err := state.New(ctx, backing, snap, commit)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{DB: conn, Config: cfg, Store: st, State: value, Log: logger}, nil
}

// Flush applies the changes drained so far without closing the State.
func (a *App) Flush(ctx context.Context) error {
	return a.Store.Apply(ctx, a.State.Drain())
}

// Close tears the application down: the State's commit hook fires with
// any pending changes, then the database is closed.
func (a *App) Close(ctx context.Context) error {
	err := a.State.Close(ctx)
	if cerr := a.DB.Close(); err == nil {
		err = cerr
	}
	return err
}
