package domain

import (
	"time"
)

// State is the execution state of a user session.
type State string

const (
	// StateIdle means no execution is in flight.
	StateIdle State = "idle"
	// StateRunning means the external process is executing.
	StateRunning State = "running"
	// StateAwaitingResult means the process exited and the final result is being delivered.
	StateAwaitingResult State = "awaiting_result"
)

// UserSession holds the per-user session record. It is owned by the session
// registry and only mutated under the entry lock.
type UserSession struct {
	UserID             string
	WorkspacePath      string
	ContinuationActive bool
	SelectedModel      Model
	AutoApprove        bool
	State              State
	PendingFiles       []string
	LastActivity       time.Time
	CreatedAt          time.Time
	LastExecution      *ExecutionSummary
}

// ExecutionSummary is the short form of the most recent execution.
type ExecutionSummary struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	ExitCode   int       `json:"exit_code"`
	Truncated  bool      `json:"truncated"`
	TimedOut   bool      `json:"timed_out"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewUserSession returns a session with default preferences.
func NewUserSession(userID, workspacePath string, model Model, now time.Time) *UserSession {
	if !model.Valid() {
		model = DefaultModel
	}
	return &UserSession{
		UserID:        userID,
		WorkspacePath: workspacePath,
		SelectedModel: model,
		AutoApprove:   true,
		State:         StateIdle,
		LastActivity:  now,
		CreatedAt:     now,
	}
}

// Snapshot is an immutable copy of a session for callers outside the registry.
type Snapshot struct {
	UserID             string            `json:"user_id"`
	WorkspacePath      string            `json:"workspace_path"`
	ContinuationActive bool              `json:"continuation_active"`
	SelectedModel      Model             `json:"selected_model"`
	AutoApprove        bool              `json:"auto_approve"`
	State              State             `json:"state"`
	PendingFiles       []string          `json:"pending_files,omitempty"`
	LastActivity       time.Time         `json:"last_activity"`
	LastExecution      *ExecutionSummary `json:"last_execution,omitempty"`
	WorkspaceFiles     int               `json:"workspace_files"`
	WorkspaceBytes     int64             `json:"workspace_bytes"`
}

// Snapshot copies the session.
func (s *UserSession) Snapshot() Snapshot {
	snap := Snapshot{
		UserID:             s.UserID,
		WorkspacePath:      s.WorkspacePath,
		ContinuationActive: s.ContinuationActive,
		SelectedModel:      s.SelectedModel,
		AutoApprove:        s.AutoApprove,
		State:              s.State,
		LastActivity:       s.LastActivity,
	}
	if len(s.PendingFiles) > 0 {
		snap.PendingFiles = append([]string(nil), s.PendingFiles...)
	}
	if s.LastExecution != nil {
		last := *s.LastExecution
		snap.LastExecution = &last
	}
	return snap
}
