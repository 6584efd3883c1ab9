// Package store implements sqlite-backed task persistence: the mutable
// current-state row plus an append-only task_events audit trail beside it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/dispatchd/internal/task"
)

const schemaVersion = 1

// DefaultDBPath is the per-user dotfile location used when no explicit path
// is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd", "dispatchd.db")
}

// Store is a *sql.DB wrapper exposing the instance.Store contract plus an
// audit trail reader for admin tooling.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the sqlite database at path. An empty path uses
// DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			nonce TEXT,
			message_id TEXT,
			status TEXT NOT NULL,
			progress TEXT,
			start_time INTEGER,
			finish_time INTEGER,
			fail_reason TEXT,
			properties_json TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress TEXT,
			fail_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);
	`); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_meta (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version;
	`, schemaVersion); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports a transient BUSY/LOCKED error,
// with bounded exponential backoff plus jitter, capped at maxRetries.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// Save upserts the current row and appends one audit event per call. The
// instance runtime calls it on every status change and also on every poll
// tick, so the trail can hold several consecutive events with one status.
func (s *Store) Save(ctx context.Context, snap task.Snapshot) error {
	props, err := json.Marshal(snap.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		accountID, _ := snap.Properties["discordInstanceId"].(string)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, account_id, nonce, message_id, status, progress, start_time, finish_time, fail_reason, properties_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				account_id = excluded.account_id,
				nonce = excluded.nonce,
				message_id = excluded.message_id,
				status = excluded.status,
				progress = excluded.progress,
				start_time = excluded.start_time,
				finish_time = excluded.finish_time,
				fail_reason = excluded.fail_reason,
				properties_json = excluded.properties_json,
				updated_at = CURRENT_TIMESTAMP;
		`, snap.ID, accountID, nullIfEmpty(snap.Nonce), nullIfEmpty(snap.MessageID), snap.Status,
			nullIfEmpty(snap.Progress), nullIfZero(snap.StartTime), nullIfZero(snap.FinishTime),
			nullIfEmpty(snap.FailReason), string(props)); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, status, progress, fail_reason)
			VALUES (?, ?, ?, ?);
		`, snap.ID, snap.Status, nullIfEmpty(snap.Progress), nullIfEmpty(snap.FailReason)); err != nil {
			return fmt.Errorf("append task event: %w", err)
		}
		return tx.Commit()
	})
}

// Delete removes a task row and its event trail. instance.Submit uses it to
// undo its Save when the instance, shutting down, rejects the enqueue.
func (s *Store) Delete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?;`, id); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Commit()
	})
}

// Load fetches the current row for id, for recovery on restart.
func (s *Store) Load(ctx context.Context, id string) (task.Snapshot, error) {
	var (
		snap                                   task.Snapshot
		accountID                              string
		nonce, messageID, progress, failReason sql.NullString
		startTime, finishTime                  sql.NullInt64
		propsJSON                              string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, nonce, message_id, status, progress, start_time, finish_time, fail_reason, properties_json
		FROM tasks WHERE id = ?;
	`, id)
	if err := row.Scan(&snap.ID, &accountID, &nonce, &messageID, &snap.Status, &progress, &startTime, &finishTime, &failReason, &propsJSON); err != nil {
		return task.Snapshot{}, fmt.Errorf("load task %s: %w", id, err)
	}
	snap.Nonce = nonce.String
	snap.MessageID = messageID.String
	snap.Progress = progress.String
	snap.StartTime = startTime.Int64
	snap.FinishTime = finishTime.Int64
	snap.FailReason = failReason.String
	props := make(map[string]any)
	if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
		return task.Snapshot{}, fmt.Errorf("decode properties for %s: %w", id, err)
	}
	if _, ok := props["discordInstanceId"]; !ok && accountID != "" {
		props["discordInstanceId"] = accountID
	}
	snap.Properties = props
	return snap, nil
}

// Event is one append-only row from task_events.
type Event struct {
	EventID    int64
	TaskID     string
	Status     string
	Progress   string
	FailReason string
	CreatedAt  time.Time
}

// EventsForTask returns the audit trail for a single task, oldest first.
func (s *Store) EventsForTask(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, status, COALESCE(progress, ''), COALESCE(fail_reason, ''), created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.Status, &e.Progress, &e.FailReason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NewTaskID generates a fresh task identifier.
func NewTaskID() string { return uuid.NewString() }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
