// Package session coordinates per-user sessions: it admits one execution at
// a time per user, runs agent tasks and direct commands through the runner,
// streams their output and keeps continuation state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/metrics"
	"github.com/ashureev/agentrelay/internal/runner"
	"github.com/ashureev/agentrelay/internal/safety"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/ashureev/agentrelay/internal/stream"
	"github.com/ashureev/agentrelay/internal/transport"
	"github.com/ashureev/agentrelay/internal/workspace"
)

const (
	defaultShell  = "/bin/sh"
	approveRounds = 6
	storeTimeout  = 5 * time.Second
	maxTaskLog    = 200
)

// Executor starts processes. *runner.Runner satisfies it.
type Executor interface {
	Start(ctx context.Context, spec runner.Spec) (<-chan runner.Event, error)
}

// Config holds execution settings.
type Config struct {
	AgentBinary    string
	AgentTimeout   time.Duration
	CommandTimeout time.Duration
	MaxOutputBytes int
	DefaultModel   domain.Model
	Shell          string
	Stream         stream.Config
}

// Deps are the collaborators of a Manager. Repo, Metrics and Transport may
// be nil.
type Deps struct {
	Workspaces *workspace.Store
	Runner     Executor
	Transport  transport.Transport
	Repo       store.Repository
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Outcome is what a finished execution produced.
type Outcome struct {
	Request      domain.ExecutionRequest   `json:"request"`
	Result       *domain.ExecutionResult   `json:"result"`
	ChangedFiles []string                  `json:"changed_files,omitempty"`
	Messages     []transport.MessageHandle `json:"messages,omitempty"`
}

// Manager is the session service.
type Manager struct {
	cfg        Config
	registry   *Registry
	workspaces *workspace.Store
	exec       Executor
	out        transport.Transport
	streamer   *stream.Streamer
	repo       store.Repository
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Processes run under this context rather than the caller's; only
	// Close ends them early.
	life     context.Context
	shutdown context.CancelFunc
}

// NewManager wires a Manager with its own registry.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 180 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	if deps.Transport == nil {
		deps.Transport = transport.Discard{}
	}
	if deps.Runner == nil {
		deps.Runner = runner.New(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	life, shutdown := context.WithCancel(context.Background())
	return &Manager{
		life:       life,
		shutdown:   shutdown,
		cfg:        cfg,
		registry:   NewRegistry(cfg.DefaultModel),
		workspaces: deps.Workspaces,
		exec:       deps.Runner,
		out:        deps.Transport,
		streamer:   stream.New(deps.Transport, cfg.Stream, deps.Metrics, deps.Logger),
		repo:       deps.Repo,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

// Close kills every running process. It is meant for server shutdown.
func (m *Manager) Close() {
	m.shutdown()
}

// Registry exposes the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// HandleAgentTask delegates a natural-language task to the external agent in
// the user's workspace. On timeout the truncated outcome is returned together
// with ErrTimeout.
func (m *Manager) HandleAgentTask(ctx context.Context, userID, text string) (*Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyTask
	}
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return nil, err
	}

	e, prefs, created, err := m.registry.begin(userID, ws)
	m.onCreated(ctx, userID, ws, created)
	if err != nil {
		m.reject(ctx, userID, "busy", "⏳ Still working on the previous request. Please wait for it to finish.")
		return nil, err
	}

	req := domain.ExecutionRequest{
		ID:                uuid.NewString(),
		UserID:            userID,
		TaskText:          text,
		Mode:              domain.ModeAgent,
		AttachedFilePaths: attachmentPaths(prefs),
	}
	spec := m.agentSpec(req, prefs)
	title := fmt.Sprintf("Agent working (%s)", prefs.model)

	var outcome *Outcome
	var started bool
	defer func() {
		m.registry.finish(e, func(s *domain.UserSession) {
			if started {
				s.PendingFiles = nil
			}
			if outcome != nil && outcome.Result != nil {
				s.LastExecution = summarize(req, outcome.Result)
				if outcome.Result.Succeeded() {
					s.ContinuationActive = true
				}
			}
		})
	}()

	outcome, started, err = m.execute(ctx, e, req, spec, title)
	return outcome, err
}

// HandleDirectCommand runs a literal shell command in the user's workspace
// after it passes the safety filter.
func (m *Manager) HandleDirectCommand(ctx context.Context, userID, text string) (*Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyTask
	}
	ws, err := m.workspaces.Acquire(userID)
	if err != nil {
		return nil, err
	}

	if v := safety.Classify(text); !v.Allowed {
		m.logger.Warn("Command blocked", "user_id", userID, "rule", v.Rule, "command", clipLog(text))
		m.reject(ctx, userID, "blocked", "🚫 Command blocked: "+v.Reason)
		return nil, fmt.Errorf("%w: %s", domain.ErrBlocked, v.Reason)
	}

	e, _, created, err := m.registry.begin(userID, ws)
	m.onCreated(ctx, userID, ws, created)
	if err != nil {
		m.reject(ctx, userID, "busy", "⏳ Still working on the previous request. Please wait for it to finish.")
		return nil, err
	}

	req := domain.ExecutionRequest{
		ID:       uuid.NewString(),
		UserID:   userID,
		TaskText: text,
		Mode:     domain.ModeDirectCommand,
	}
	spec := runner.Spec{
		Executable:     m.cfg.Shell,
		Args:           []string{"-c", text},
		Dir:            ws,
		Timeout:        m.cfg.CommandTimeout,
		MaxOutputBytes: m.cfg.MaxOutputBytes,
	}

	var outcome *Outcome
	defer func() {
		m.registry.finish(e, func(s *domain.UserSession) {
			if outcome != nil && outcome.Result != nil {
				s.LastExecution = summarize(req, outcome.Result)
			}
		})
	}()

	outcome, _, err = m.execute(ctx, e, req, spec, "Running "+clipTitle(text))
	return outcome, err
}

// execute runs spec and streams it. started reports whether the process was
// spawned. Cancelling ctx does not stop the execution; the timeout does.
func (m *Manager) execute(ctx context.Context, e *entry, req domain.ExecutionRequest, spec runner.Spec, title string) (*Outcome, bool, error) {
	ctx = context.WithoutCancel(ctx)
	log := m.logger.With("user_id", req.UserID, "execution_id", req.ID, "mode", req.Mode)

	status, err := m.out.SendMessage(ctx, req.UserID, "⏳ "+title)
	if err != nil {
		log.Warn("Failed to send status message", "error", err)
		status = transport.MessageHandle{UserID: req.UserID}
	}

	changes, err := m.workspaces.Watch(req.UserID)
	if err != nil {
		log.Warn("Workspace change tracking unavailable", "error", err)
	}
	closeChanges := func() []string {
		if changes == nil {
			return nil
		}
		return changes.Close()
	}

	startedAt := time.Now()
	m.metrics.ExecutionStarted()
	log.Info("Execution started", "task", clipLog(req.TaskText))

	events, err := m.exec.Start(m.life, spec)
	if err != nil {
		closeChanges()
		m.metrics.ExecutionFinished(string(req.Mode), "spawn_failure", time.Since(startedAt))
		log.Error("Failed to start process", "error", err, "executable", spec.Executable)
		if editErr := m.out.EditMessage(ctx, status, "❌ Failed to start: "+err.Error()); editErr != nil {
			log.Debug("Failed to report spawn failure", "error", editErr)
		}
		m.record(ctx, req, nil, startedAt, err)
		if !errors.Is(err, domain.ErrSpawnFailure) {
			err = fmt.Errorf("%w: %w", domain.ErrSpawnFailure, err)
		}
		return nil, false, err
	}

	var changed []string
	finalize := func(res *domain.ExecutionResult) string {
		m.registry.setState(e, domain.StateAwaitingResult)
		changed = closeChanges()
		return renderOutcome(res, changed)
	}

	delivery, pumpErr := m.streamer.Pump(ctx, status, title, events, finalize)
	if delivery == nil || delivery.Result == nil {
		// Only possible when the runner broke its contract.
		closeChanges()
		m.metrics.ExecutionFinished(string(req.Mode), "failure", time.Since(startedAt))
		return nil, true, fmt.Errorf("stream execution: %w", pumpErr)
	}

	res := delivery.Result
	outcome := &Outcome{
		Request:      req,
		Result:       res,
		ChangedFiles: changed,
		Messages:     delivery.Messages,
	}

	var runErr error
	label := "success"
	switch {
	case res.TimedOut:
		label = "timeout"
		runErr = fmt.Errorf("%w after %s", domain.ErrTimeout, spec.Timeout)
	case res.ExitCode != 0:
		label = "failure"
	}
	m.metrics.ExecutionFinished(string(req.Mode), label, time.Since(startedAt))
	m.record(ctx, req, res, startedAt, runErr)
	log.Info("Execution finished",
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"truncated", res.Truncated,
		"duration_ms", res.DurationMs,
		"changed_files", len(changed))

	if pumpErr != nil {
		log.Warn("Failed to deliver result", "error", pumpErr)
		if runErr == nil {
			runErr = fmt.Errorf("deliver result: %w", pumpErr)
		}
	}
	return outcome, true, runErr
}

func (m *Manager) agentSpec(req domain.ExecutionRequest, prefs runPrefs) runner.Spec {
	args := []string{"-p", agentPrompt(req), "--model", string(prefs.model), "--allow-all-paths"}
	var stdin string
	if prefs.autoApprove {
		args = append(args, "--allow-all-tools")
		stdin = strings.Repeat("y\n", approveRounds)
	}
	if prefs.continuation {
		args = append(args, "--continue")
	}
	return runner.Spec{
		Executable:     m.cfg.AgentBinary,
		Args:           args,
		Dir:            prefs.workspace,
		Timeout:        m.cfg.AgentTimeout,
		Stdin:          stdin,
		MaxOutputBytes: m.cfg.MaxOutputBytes,
	}
}

func agentPrompt(req domain.ExecutionRequest) string {
	if len(req.AttachedFilePaths) == 0 {
		return req.TaskText
	}
	var b strings.Builder
	b.WriteString(req.TaskText)
	b.WriteString("\n\nAttached files (in the current working directory):")
	for _, p := range req.AttachedFilePaths {
		b.WriteString("\n- ")
		b.WriteString(filepath.Base(p))
	}
	return b.String()
}

func attachmentPaths(prefs runPrefs) []string {
	if len(prefs.pending) == 0 {
		return nil
	}
	out := make([]string, len(prefs.pending))
	for i, name := range prefs.pending {
		out[i] = filepath.Join(prefs.workspace, name)
	}
	return out
}

func renderOutcome(res *domain.ExecutionResult, changed []string) string {
	text := stream.RenderResult(res)
	if len(changed) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nFiles changed:")
	for _, c := range changed {
		b.WriteString("\n• ")
		b.WriteString(c)
	}
	return b.String()
}

func summarize(req domain.ExecutionRequest, res *domain.ExecutionResult) *domain.ExecutionSummary {
	return &domain.ExecutionSummary{
		ID:         req.ID,
		Mode:       req.Mode,
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
		DurationMs: res.DurationMs,
		FinishedAt: time.Now(),
	}
}

// reject tells the user why a request was refused and counts it.
func (m *Manager) reject(ctx context.Context, userID, reason, text string) {
	m.metrics.Rejected(reason)
	if _, err := m.out.SendMessage(ctx, userID, text); err != nil {
		m.logger.Debug("Failed to send rejection", "user_id", userID, "error", err)
	}
}

func (m *Manager) onCreated(ctx context.Context, userID, ws string, created bool) {
	if !created {
		return
	}
	m.metrics.SetSessions(m.registry.Len())
	if m.repo == nil {
		return
	}
	now := time.Now()
	op := &domain.Operator{UserID: userID, WorkspacePath: ws, LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := m.repo.UpsertOperator(storeCtx, op); err != nil {
		m.logger.Warn("Failed to persist operator", "user_id", userID, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, req domain.ExecutionRequest, res *domain.ExecutionResult, startedAt time.Time, runErr error) {
	if m.repo == nil {
		return
	}
	rec := &domain.ExecutionRecord{
		ID:         req.ID,
		UserID:     req.UserID,
		Mode:       req.Mode,
		Task:       req.TaskText,
		ExitCode:   -1,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if res != nil {
		rec.ExitCode = res.ExitCode
		rec.Truncated = res.Truncated
		rec.TimedOut = res.TimedOut
		rec.DurationMs = res.DurationMs
	}
	if runErr != nil {
		msg := runErr.Error()
		rec.Error = &msg
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := m.repo.RecordExecution(storeCtx, rec); err != nil {
		m.logger.Warn("Failed to record execution", "user_id", req.UserID, "execution_id", req.ID, "error", err)
	}
}

func clipLog(s string) string {
	if len(s) <= maxTaskLog {
		return s
	}
	return strings.ToValidUTF8(s[:maxTaskLog], "") + "..."
}

func clipTitle(cmd string) string {
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		cmd = cmd[:i] + " ..."
	}
	if len(cmd) > 60 {
		cmd = strings.ToValidUTF8(cmd[:60], "") + "..."
	}
	return "`" + cmd + "`"
}
