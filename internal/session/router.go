package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/transport"
)

// Route serves chat requests arriving over the websocket transport. Replies
// go back through the manager's transport. Plain task text beginning with a
// slash is read as a command, e.g. "/run ls -la" or "/model gpt-5".
func (m *Manager) Route(ctx context.Context, userID string, in transport.Inbound) {
	if in.Type == transport.InboundTask {
		in = parseSlash(in)
	}

	var err error
	switch in.Type {
	case transport.InboundTask:
		_, err = m.HandleAgentTask(ctx, userID, in.Text)
	case transport.InboundRun:
		_, err = m.HandleDirectCommand(ctx, userID, in.Text)
	case transport.InboundClear:
		err = m.ClearSession(ctx, userID)
	case transport.InboundModel:
		if in.Model == "" {
			m.notify(ctx, userID, modelList())
			return
		}
		var mdl domain.Model
		if mdl, err = m.SetModel(ctx, userID, in.Model); err == nil {
			m.notify(ctx, userID, "✅ Model set to "+string(mdl))
		}
	case transport.InboundAutoApprove:
		err = m.routeAutoApprove(ctx, userID, in.Enabled)
	case transport.InboundStatus:
		var snap domain.Snapshot
		if snap, err = m.GetStatus(ctx, userID); err == nil {
			m.notify(ctx, userID, renderStatus(snap))
		}
	default:
		m.notify(ctx, userID, fmt.Sprintf("❓ Unknown request type %q", in.Type))
		return
	}

	if err != nil {
		m.logger.Debug("Chat request failed", "user_id", userID, "type", in.Type, "error", err)
		if msg := chatError(err); msg != "" {
			m.notify(ctx, userID, msg)
		}
	}
}

func (m *Manager) routeAutoApprove(ctx context.Context, userID string, enabled *bool) error {
	var on bool
	if enabled != nil {
		on = *enabled
	} else {
		snap, err := m.GetStatus(ctx, userID)
		if err != nil {
			return err
		}
		on = !snap.AutoApprove
	}
	if err := m.SetAutoApprove(ctx, userID, on); err != nil {
		return err
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	m.notify(ctx, userID, "✅ Auto-approve is now "+state)
	return nil
}

func parseSlash(in transport.Inbound) transport.Inbound {
	text := strings.TrimSpace(in.Text)
	if !strings.HasPrefix(text, "/") {
		return in
	}
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "/run", "/sh":
		return transport.Inbound{Type: transport.InboundRun, Text: arg}
	case "/clear", "/new":
		return transport.Inbound{Type: transport.InboundClear}
	case "/model", "/models":
		return transport.Inbound{Type: transport.InboundModel, Model: arg}
	case "/status":
		return transport.Inbound{Type: transport.InboundStatus}
	case "/autoapprove", "/auto_approve":
		out := transport.Inbound{Type: transport.InboundAutoApprove}
		switch strings.ToLower(arg) {
		case "on", "true", "1":
			v := true
			out.Enabled = &v
		case "off", "false", "0":
			v := false
			out.Enabled = &v
		}
		return out
	}
	return in
}

// chatError turns a request error into a user-facing line. Errors that were
// already reported while handling the request map to "".
func chatError(err error) string {
	switch {
	case errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrBlocked),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrSpawnFailure),
		errors.Is(err, domain.ErrFileTooLarge):
		return ""
	case errors.Is(err, domain.ErrUnknownModel):
		return "❌ " + err.Error() + "\n\n" + modelList()
	case errors.Is(err, domain.ErrEmptyTask):
		return "❌ Please send a task or command."
	case errors.Is(err, domain.ErrInvalidIdentifier):
		return "❌ Invalid operator id."
	default:
		return "❌ " + err.Error()
	}
}

func modelList() string {
	var b strings.Builder
	b.WriteString("Available models:")
	for _, info := range domain.Models() {
		fmt.Fprintf(&b, "\n• %s (%s)", info.ID, info.Name)
		if info.Default {
			b.WriteString(" [default]")
		}
	}
	return b.String()
}

func renderStatus(s domain.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", s.State)
	fmt.Fprintf(&b, "Model: %s\n", s.SelectedModel)
	fmt.Fprintf(&b, "Auto-approve: %t\n", s.AutoApprove)
	fmt.Fprintf(&b, "Continuing conversation: %t\n", s.ContinuationActive)
	fmt.Fprintf(&b, "Workspace: %d files, %s", s.WorkspaceFiles, humanBytes(s.WorkspaceBytes))
	if len(s.PendingFiles) > 0 {
		fmt.Fprintf(&b, "\nPending attachments: %s", strings.Join(s.PendingFiles, ", "))
	}
	if last := s.LastExecution; last != nil {
		fmt.Fprintf(&b, "\nLast run: %s, exit %d, %dms", last.Mode, last.ExitCode, last.DurationMs)
		if last.TimedOut {
			b.WriteString(" (timed out)")
		}
	}
	return b.String()
}
