package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/shared"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	writeRetries        = 3
	writeRetryBase      = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes history writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS operators (
		user_id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_operators_last_seen ON operators(last_seen_at);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		task TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		truncated INTEGER NOT NULL DEFAULT 0,
		timed_out INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id, finished_at);
	CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetOperator retrieves an operator by user ID.
func (s *SQLiteStore) GetOperator(ctx context.Context, userID string) (*domain.Operator, error) {
	query := `
		SELECT user_id, workspace_path, last_seen_at, created_at, updated_at
		FROM operators WHERE user_id = ?`

	var op domain.Operator
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&op.UserID, &op.WorkspacePath, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan operator row: %w", err)
	}

	op.LastSeenAt = time.Unix(lastSeen, 0)
	op.CreatedAt = time.Unix(createdAt, 0)
	op.UpdatedAt = time.Unix(updatedAt, 0)
	return &op, nil
}

// UpsertOperator creates or updates an operator record.
func (s *SQLiteStore) UpsertOperator(ctx context.Context, op *domain.Operator) error {
	query := `
	INSERT INTO operators (user_id, workspace_path, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		workspace_path = COALESCE(NULLIF(excluded.workspace_path, ''), operators.workspace_path),
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return s.retryWrite(ctx, "upsert operator", func() error {
		_, err := s.db.ExecContext(ctx, query,
			op.UserID, op.WorkspacePath,
			op.LastSeenAt.Unix(), op.CreatedAt.Unix(), op.UpdatedAt.Unix(),
		)
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for an operator.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE operators SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// RecordExecution appends an execution to the history.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	query := `
	INSERT INTO executions (
		id, user_id, mode, task, exit_code, truncated, timed_out,
		duration_ms, error, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var errText any
	if rec.Error != nil {
		errText = *rec.Error
	}

	return s.retryWrite(ctx, "record execution", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.UserID, string(rec.Mode), rec.Task, rec.ExitCode,
			rec.Truncated, rec.TimedOut, rec.DurationMs, errText,
			rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
		)
		return err
	})
}

// ListExecutions returns the most recent executions of a user, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, userID string, limit int) ([]*domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `
		SELECT id, user_id, mode, task, exit_code, truncated, timed_out,
		       duration_ms, error, started_at, finished_at
		FROM executions WHERE user_id = ?
		ORDER BY finished_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close executions rows", "error", closeErr)
		}
	}()

	var out []*domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var mode string
		var errText sql.NullString
		var startedAt, finishedAt int64

		if err := rows.Scan(
			&rec.ID, &rec.UserID, &mode, &rec.Task, &rec.ExitCode,
			&rec.Truncated, &rec.TimedOut, &rec.DurationMs, &errText,
			&startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		rec.Mode = domain.Mode(mode)
		if errText.Valid {
			rec.Error = &errText.String
		}
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.FinishedAt = time.UnixMilli(finishedAt)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// CleanupExecutions removes history entries older than retention.
func (s *SQLiteStore) CleanupExecutions(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	var deleted int64
	err := s.retryWrite(ctx, "cleanup executions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE finished_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// retryWrite runs fn with exponential backoff on SQLITE_BUSY / locked errors.
func (s *SQLiteStore) retryWrite(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for i := 0; i < writeRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			break
		}
		delay := writeRetryBase * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
