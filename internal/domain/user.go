// Package domain contains core domain types for the agentrelay service.
package domain

import (
	"time"
)

// Operator represents a chat identity allowed to drive the agent, with its
// persisted activity state.
type Operator struct {
	UserID        string    `json:"user_id"`
	WorkspacePath string    `json:"workspace_path"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IdleFor returns how long the operator has been inactive.
// Returns 0 if the last activity is in the future.
func (o *Operator) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(o.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
