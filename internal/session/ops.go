package session

import (
	"context"
	"fmt"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/workspace"
)

// HandleFileUpload stores an uploaded file in the workspace and queues it
// for the next agent task. Oversized uploads are refused before anything is
// written.
func (m *Manager) HandleFileUpload(ctx context.Context, userID string, data []byte, filename string) (*workspace.Attachment, error) {
	if limit := m.workspaces.MaxUpload(); int64(len(data)) > limit {
		m.reject(ctx, userID, "file_too_large",
			fmt.Sprintf("❌ File too large (%s). Maximum is %s.", humanBytes(int64(len(data))), humanBytes(limit)))
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrFileTooLarge, len(data), limit)
	}
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return nil, err
	}

	e, created := m.registry.lock(userID, ws)
	if e.sess.State != domain.StateIdle {
		e.mu.Unlock()
		m.onCreated(ctx, userID, ws, created)
		m.reject(ctx, userID, "busy", "⏳ Still working on the previous request. Upload again once it finishes.")
		return nil, domain.ErrBusy
	}
	att, err := m.workspaces.AttachFile(userID, data, filename)
	if err == nil {
		e.sess.PendingFiles = appendUnique(e.sess.PendingFiles, att.Name)
		e.sess.LastActivity = m.registry.now()
	}
	e.mu.Unlock()
	m.onCreated(ctx, userID, ws, created)

	if err != nil {
		m.logger.Warn("Upload failed", "user_id", userID, "filename", filename, "error", err)
		return nil, err
	}

	m.metrics.Uploaded(att.Size)
	m.logger.Info("File attached", "user_id", userID, "name", att.Name, "size", att.Size, "mime", att.MIME)
	m.notify(ctx, userID, fmt.Sprintf("📎 Saved %s (%s). It will be included with your next agent task.",
		att.Name, humanBytes(att.Size)))
	return att, nil
}

// ClearSession wipes the workspace and ends agent continuation. It is only
// allowed while no execution is in flight.
func (m *Manager) ClearSession(ctx context.Context, userID string) error {
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return err
	}

	e, created := m.registry.lock(userID, ws)
	if e.sess.State != domain.StateIdle {
		e.mu.Unlock()
		m.reject(ctx, userID, "busy", "⏳ Cannot clear while a request is running.")
		return domain.ErrBusy
	}
	err = m.workspaces.Clear(userID)
	if err == nil {
		e.sess.ContinuationActive = false
		e.sess.PendingFiles = nil
		e.sess.LastActivity = m.registry.now()
	}
	e.mu.Unlock()
	m.onCreated(ctx, userID, ws, created)

	if err != nil {
		return err
	}
	m.logger.Info("Session cleared", "user_id", userID)
	m.notify(ctx, userID, "🧹 Session cleared. The next task starts a fresh conversation.")
	return nil
}

// SetModel selects the model for subsequent agent tasks. A running task
// keeps the model it started with.
func (m *Manager) SetModel(ctx context.Context, userID, model string) (domain.Model, error) {
	mdl, err := domain.ParseModel(model)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, model)
	}
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return "", err
	}

	e, created := m.registry.lock(userID, ws)
	e.sess.SelectedModel = mdl
	e.sess.LastActivity = m.registry.now()
	e.mu.Unlock()
	m.onCreated(ctx, userID, ws, created)

	m.logger.Info("Model selected", "user_id", userID, "model", mdl)
	return mdl, nil
}

// SetAutoApprove toggles automatic approval of agent tool use for
// subsequent agent tasks.
func (m *Manager) SetAutoApprove(ctx context.Context, userID string, enabled bool) error {
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return err
	}

	e, created := m.registry.lock(userID, ws)
	e.sess.AutoApprove = enabled
	e.sess.LastActivity = m.registry.now()
	e.mu.Unlock()
	m.onCreated(ctx, userID, ws, created)

	m.logger.Info("Auto-approve changed", "user_id", userID, "enabled", enabled)
	return nil
}

// GetStatus returns a snapshot of the user's session including workspace
// usage.
func (m *Manager) GetStatus(ctx context.Context, userID string) (domain.Snapshot, error) {
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	e, created := m.registry.lock(userID, ws)
	snap := e.sess.Snapshot()
	e.mu.Unlock()
	m.onCreated(ctx, userID, ws, created)

	files, size, err := m.workspaces.Usage(userID)
	if err != nil {
		m.logger.Warn("Failed to compute workspace usage", "user_id", userID, "error", err)
	}
	snap.WorkspaceFiles = files
	snap.WorkspaceBytes = size
	return snap, nil
}

func (m *Manager) notify(ctx context.Context, userID, text string) {
	if _, err := m.out.SendMessage(ctx, userID, text); err != nil {
		m.logger.Debug("Failed to send notice", "user_id", userID, "error", err)
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
