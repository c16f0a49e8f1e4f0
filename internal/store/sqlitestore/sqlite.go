// Package sqlitestore provides an embedded SQLite-backed implementation of
// store.Store. It is not the production persistence layer — §1 explicitly
// treats the store as an external collaborator reached over HTTP — but gives
// local/dev runs and tests a real relational backend without requiring a
// live external store, mirroring the teacher's dev-mode fallback conventions.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mcpbuild/orchestrator/internal/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open creates (or opens) the SQLite database at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			project_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			workspace_path TEXT NOT NULL DEFAULT '',
			worker_pid INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMP,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			prompt_text TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT 'plan',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			error TEXT NOT NULL DEFAULT '',
			UNIQUE(build_id, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS custom_prompts (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			prompt_text TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			stream TEXT NOT NULL,
			chunk TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_build_id ON steps(build_id)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_prompts_build_id ON custom_prompts(build_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_build_id ON logs(build_id, step_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) CreateBuild(ctx context.Context, b *store.Build) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (id, project_ref, status, workspace_path, worker_pid, last_heartbeat, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectRef, b.Status, b.WorkspacePath, b.WorkerPID, b.LastHeartbeat, b.FailureReason, b.CreatedAt, b.UpdatedAt)
	return err
}

func (s *Store) GetBuild(ctx context.Context, id string) (*store.Build, error) {
	var b store.Build
	err := s.db.GetContext(ctx, &b, `SELECT * FROM builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListActiveBuilds(ctx context.Context) ([]*store.Build, error) {
	var builds []*store.Build
	err := s.db.SelectContext(ctx, &builds, `SELECT * FROM builds WHERE status IN ('running', 'retrying')`)
	return builds, err
}

func (s *Store) UpdateBuildHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE builds SET last_heartbeat = ?, updated_at = ? WHERE id = ?`, at, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdateBuildWorkspace(ctx context.Context, id, workspacePath string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE builds SET workspace_path = ?, updated_at = ? WHERE id = ?`, workspacePath, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdateBuildWorkerPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE builds SET worker_pid = ?, updated_at = ? WHERE id = ?`, pid, time.Now().UTC(), id)
	return err
}

// TransitionBuildStatus applies the compare-and-set guard from §5 directly in
// the WHERE clause: the row is only updated while its current status is not
// already terminal, so a late-arriving "running" write can never clobber a
// "completed"/"failed"/"cancelled" row.
func (s *Store) TransitionBuildStatus(ctx context.Context, id string, to store.BuildStatus, failureReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		to, failureReason, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetBuild(ctx, id); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) CreateStep(ctx context.Context, st *store.Step) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, build_id, ordinal, prompt_text, origin, status, attempt, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.BuildID, st.Ordinal, st.PromptText, st.Origin, st.Status, st.Attempt, st.StartedAt, st.EndedAt, st.Error)
	return err
}

func (s *Store) UpdateStep(ctx context.Context, st *store.Step) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, attempt = ?, ended_at = ?, error = ? WHERE id = ?`,
		st.Status, st.Attempt, st.EndedAt, st.Error, st.ID)
	return err
}

func (s *Store) ListSteps(ctx context.Context, buildID string) ([]*store.Step, error) {
	var steps []*store.Step
	err := s.db.SelectContext(ctx, &steps, `SELECT * FROM steps WHERE build_id = ? ORDER BY ordinal ASC`, buildID)
	return steps, err
}

func (s *Store) CreateCustomPrompt(ctx context.Context, cp *store.CustomPrompt) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_prompts (id, build_id, prompt_text, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.BuildID, cp.PromptText, cp.Status, cp.CreatedAt)
	return err
}

func (s *Store) ListPendingCustomPrompts(ctx context.Context, buildID string) ([]*store.CustomPrompt, error) {
	var prompts []*store.CustomPrompt
	err := s.db.SelectContext(ctx, &prompts, `
		SELECT * FROM custom_prompts WHERE build_id = ? AND status = 'pending' ORDER BY created_at ASC, id ASC`, buildID)
	return prompts, err
}

func (s *Store) ListCustomPrompts(ctx context.Context, buildID string) ([]*store.CustomPrompt, error) {
	var prompts []*store.CustomPrompt
	err := s.db.SelectContext(ctx, &prompts, `SELECT * FROM custom_prompts WHERE build_id = ? ORDER BY created_at ASC`, buildID)
	return prompts, err
}

func (s *Store) TransitionCustomPromptStatus(ctx context.Context, id string, to store.CustomPromptStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE custom_prompts SET status = ? WHERE id = ?`, to, id)
	return err
}

func (s *Store) AppendLog(ctx context.Context, entry *store.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, build_id, step_id, stream, chunk, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.BuildID, entry.StepID, entry.Stream, entry.Chunk, entry.CreatedAt)
	return err
}

func (s *Store) ListLogs(ctx context.Context, buildID, stepID string) ([]*store.LogEntry, error) {
	var logs []*store.LogEntry
	var err error
	if stepID == "" {
		err = s.db.SelectContext(ctx, &logs, `SELECT * FROM logs WHERE build_id = ? ORDER BY created_at ASC`, buildID)
	} else {
		err = s.db.SelectContext(ctx, &logs, `SELECT * FROM logs WHERE build_id = ? AND step_id = ? ORDER BY created_at ASC`, buildID, stepID)
	}
	return logs, err
}
