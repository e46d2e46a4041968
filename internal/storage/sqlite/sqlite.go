// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite storage backend for single-node
// deployments. Every event append runs in one transaction together with
// its projected entity update.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ storage.Store = (*Store)(nil)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			deployment_id TEXT,
			spec_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			execution_context TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			retry_after TEXT,
			sort_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_sort_key ON steps(run_id, sort_key)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			token TEXT NOT NULL,
			metadata TEXT,
			disposed INTEGER NOT NULL DEFAULT 0,
			sort_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_token ON hooks(token) WHERE disposed = 0`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_run ON hooks(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			correlation_id TEXT,
			data TEXT,
			spec_version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// AppendEvent implements storage.EventAppender. The snapshot load, the
// event insert, and the projection writes share one transaction.
func (s *Store) AppendEvent(ctx context.Context, runID string, in storage.EventInput) (*storage.AppendResult, error) {
	if runID == "" {
		if in.Type != storage.EventRunCreated {
			return nil, &errors.NotFoundError{Resource: "run", ID: ""}
		}
		runID = ident.NewRunID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.TransportError{Op: "append event", Cause: err}
	}
	defer tx.Rollback()

	snap := storage.Snapshot{}
	snap.Run, err = getRunTx(ctx, tx, runID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	if in.CorrelationID != "" {
		snap.Step, err = getStepTx(ctx, tx, runID, in.CorrelationID)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
		snap.Hook, err = getHookTx(ctx, tx, in.CorrelationID)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
	}
	if hc, ok := in.Data.(*storage.HookCreatedData); ok && snap.Hook == nil {
		snap.TokenHolder, err = getLiveHookByTokenTx(ctx, tx, hc.Token)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	change, err := storage.Apply(snap, runID, ident.NewEventID(), in, now)
	if err != nil {
		return nil, err
	}

	res := &storage.AppendResult{Run: snap.Run}
	if change.Event != nil {
		if err := insertEventTx(ctx, tx, change.Event); err != nil {
			return nil, err
		}
		res.Event = change.Event
	}
	if change.Run != nil {
		if err := upsertRunTx(ctx, tx, change.Run, change.RunCreated); err != nil {
			return nil, err
		}
		res.Run = change.Run
	}
	if change.Step != nil {
		if err := upsertStepTx(ctx, tx, change.Step, change.StepCreated); err != nil {
			return nil, err
		}
		res.Step = change.Step
	}
	if change.Hook != nil {
		if err := upsertHookTx(ctx, tx, change.Hook, change.HookCreated); err != nil {
			return nil, err
		}
		res.Hook = change.Hook
	}
	if change.DisposeRunHooks {
		_, err := tx.ExecContext(ctx,
			`UPDATE hooks SET disposed = 1, updated_at = ? WHERE run_id = ? AND disposed = 0`,
			formatTime(now), runID)
		if err != nil {
			return nil, &errors.TransportError{Op: "dispose hooks", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.TransportError{Op: "append event", Cause: err}
	}
	return res, nil
}

// GetRun implements storage.RunReader.
func (s *Store) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, &errors.TransportError{Op: "get run", Cause: err}
	}
	defer tx.Rollback()
	return getRunTx(ctx, tx, runID)
}

// ListRuns implements storage.RunReader.
func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter, page storage.PageRequest) (*storage.Page[*storage.Run], error) {
	cursor, limit, err := decodePage(page, storage.SortDesc)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.DeploymentID != "" {
		query += " AND deployment_id = ?"
		args = append(args, filter.DeploymentID)
	}
	if cursor.LastID != "" {
		query += " AND id < ?"
		args = append(args, cursor.LastID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.TransportError{Op: "list runs", Cause: err}
	}
	defer rows.Close()

	var runs []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return buildPage(runs, page.Cursor, limit, storage.SortDesc, func(r *storage.Run) string { return r.ID }), nil
}

// DeleteRun implements storage.RunReader. Foreign keys cascade to steps,
// hooks, and events.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return &errors.TransportError{Op: "delete run", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// GetStep implements storage.StepReader.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*storage.Step, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, &errors.TransportError{Op: "get step", Cause: err}
	}
	defer tx.Rollback()
	return getStepTx(ctx, tx, runID, stepID)
}

// ListSteps implements storage.StepReader.
func (s *Store) ListSteps(ctx context.Context, runID string, page storage.PageRequest) (*storage.Page[*storage.Step], error) {
	cursor, limit, err := decodePage(page, storage.SortDesc)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = ?`
	args := []any{runID}
	if cursor.LastID != "" {
		query += " AND sort_key < ?"
		args = append(args, cursor.LastID)
	}
	query += " ORDER BY sort_key DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.TransportError{Op: "list steps", Cause: err}
	}
	defer rows.Close()

	var steps []*storage.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return buildPage(steps, page.Cursor, limit, storage.SortDesc, func(st *storage.Step) string {
		return storage.SortKey(st.CreatedAt, st.ID)
	}), nil
}

// GetHook implements storage.HookReader.
func (s *Store) GetHook(ctx context.Context, hookID string) (*storage.Hook, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, &errors.TransportError{Op: "get hook", Cause: err}
	}
	defer tx.Rollback()
	return getHookTx(ctx, tx, hookID)
}

// GetHookByToken implements storage.HookReader.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*storage.Hook, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, &errors.TransportError{Op: "get hook by token", Cause: err}
	}
	defer tx.Rollback()
	return getLiveHookByTokenTx(ctx, tx, token)
}

// ListHooks implements storage.HookReader.
func (s *Store) ListHooks(ctx context.Context, runID string, page storage.PageRequest) (*storage.Page[*storage.Hook], error) {
	cursor, limit, err := decodePage(page, storage.SortDesc)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + hookColumns + ` FROM hooks WHERE 1=1`
	args := []any{}
	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	if cursor.LastID != "" {
		query += " AND sort_key < ?"
		args = append(args, cursor.LastID)
	}
	query += " ORDER BY sort_key DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.TransportError{Op: "list hooks", Cause: err}
	}
	defer rows.Close()

	var hooks []*storage.Hook
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return buildPage(hooks, page.Cursor, limit, storage.SortDesc, func(h *storage.Hook) string {
		return storage.SortKey(h.CreatedAt, h.ID)
	}), nil
}

// ListEvents implements storage.EventReader.
func (s *Store) ListEvents(ctx context.Context, runID string, order storage.SortOrder, page storage.PageRequest) (*storage.Page[*storage.Event], error) {
	return s.listEvents(ctx, "run_id", runID, order, page)
}

// ListEventsByCorrelation implements storage.EventReader.
func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string, order storage.SortOrder, page storage.PageRequest) (*storage.Page[*storage.Event], error) {
	return s.listEvents(ctx, "correlation_id", correlationID, order, page)
}

func (s *Store) listEvents(ctx context.Context, column, value string, order storage.SortOrder, page storage.PageRequest) (*storage.Page[*storage.Event], error) {
	if order == "" {
		order = storage.SortAsc
	}
	cursor, limit, err := decodePage(page, order)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s = ?`, eventColumns, column)
	args := []any{value}
	if cursor.LastID != "" {
		if order == storage.SortDesc {
			query += " AND id < ?"
		} else {
			query += " AND id > ?"
		}
		args = append(args, cursor.LastID)
	}
	if order == storage.SortDesc {
		query += " ORDER BY id DESC LIMIT ?"
	} else {
		query += " ORDER BY id ASC LIMIT ?"
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.TransportError{Op: "list events", Cause: err}
	}
	defer rows.Close()

	var events []*storage.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return buildPage(events, page.Cursor, limit, order, func(ev *storage.Event) string { return ev.ID }), nil
}

// SeedRun inserts a run projection directly, bypassing the event log.
// Used to import runs recorded under older spec versions, whose logs the
// engine cannot replay.
func (s *Store) SeedRun(ctx context.Context, run *storage.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.TransportError{Op: "seed run", Cause: err}
	}
	defer tx.Rollback()
	if err := upsertRunTx(ctx, tx, run, true); err != nil {
		return err
	}
	return tx.Commit()
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodePage(page storage.PageRequest, order storage.SortOrder) (storage.Cursor, int, error) {
	cursor, err := storage.DecodeCursor(page.Cursor)
	if err != nil {
		return storage.Cursor{}, 0, err
	}
	if cursor.LastID != "" && cursor.Order != order {
		return storage.Cursor{}, 0, errors.New("cursor sort order does not match listing")
	}
	limit := page.Limit
	if limit <= 0 {
		limit = storage.DefaultPageLimit
	}
	return cursor, limit, nil
}

// buildPage trims the limit+1 overshoot row and sets the result cursor to
// the last returned item (kept from the request when the page is empty).
func buildPage[T any](items []*T, prevCursor string, limit int, order storage.SortOrder, key func(*T) string) *storage.Page[*T] {
	result := &storage.Page[*T]{Cursor: prevCursor}
	if len(items) > limit {
		items = items[:limit]
		result.HasMore = true
	}
	result.Items = items
	if n := len(items); n > 0 {
		result.Cursor = storage.Cursor{LastID: key(items[n-1]), Order: order}.Encode()
	}
	return result
}
