package domain

import (
	"strings"
	"time"
)

// Mode selects how a request is executed.
type Mode string

const (
	// ModeAgent delegates a natural-language task to the external agent.
	ModeAgent Mode = "agent"
	// ModeDirectCommand runs a literal shell command.
	ModeDirectCommand Mode = "direct_command"
)

// ExitTimeout is the exit code reported when an execution hit its timeout.
const ExitTimeout = 124

// ExecutionRequest is a single invocation. It lives for one runner call.
type ExecutionRequest struct {
	ID                string   `json:"id"`
	UserID            string   `json:"user_id"`
	TaskText          string   `json:"task_text"`
	Mode              Mode     `json:"mode"`
	AttachedFilePaths []string `json:"attached_file_paths,omitempty"`
}

// ExecutionResult is the captured outcome of one process run.
type ExecutionResult struct {
	ExitCode     int      `json:"exit_code"`
	StdoutChunks []string `json:"stdout_chunks"`
	StderrChunks []string `json:"stderr_chunks"`
	Truncated    bool     `json:"truncated"`
	TimedOut     bool     `json:"timed_out"`
	DurationMs   int64    `json:"duration_ms"`
	PID          int      `json:"pid"`
}

// Succeeded reports a zero exit without timeout.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Stdout joins the captured stdout chunks.
func (r *ExecutionResult) Stdout() string {
	return strings.Join(r.StdoutChunks, "")
}

// Stderr joins the captured stderr chunks.
func (r *ExecutionResult) Stderr() string {
	return strings.Join(r.StderrChunks, "")
}

// ExecutionRecord is the persisted audit entry for an execution.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Mode       Mode      `json:"mode"`
	Task       string    `json:"task"`
	ExitCode   int       `json:"exit_code"`
	Truncated  bool      `json:"truncated"`
	TimedOut   bool      `json:"timed_out"`
	DurationMs int64     `json:"duration_ms"`
	Error      *string   `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
