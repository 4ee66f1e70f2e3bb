// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
)

// Repository defines the interface for persisting operators and execution
// history. Live session state is never persisted.
type Repository interface {
	// GetOperator retrieves an operator by user ID. Returns nil, nil when absent.
	GetOperator(ctx context.Context, userID string) (*domain.Operator, error)

	// UpsertOperator creates or updates an operator record. An empty
	// WorkspacePath keeps the stored one.
	UpsertOperator(ctx context.Context, op *domain.Operator) error

	// UpdateLastSeen updates the last_seen_at timestamp for an operator.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// RecordExecution appends an execution to the history.
	RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error

	// ListExecutions returns the most recent executions of a user, newest first.
	ListExecutions(ctx context.Context, userID string, limit int) ([]*domain.ExecutionRecord, error)

	// CleanupExecutions removes history entries older than retention.
	CleanupExecutions(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
