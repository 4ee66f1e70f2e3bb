// Package stream turns runner output into rate-limited chat updates and
// delivers the final result.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/metrics"
	"github.com/ashureev/agentrelay/internal/runner"
	"github.com/ashureev/agentrelay/internal/transport"
)

const (
	DefaultWindow        = time.Second
	DefaultMaxMessageLen = 4000
	defaultTailBytes     = 2048

	// Lines of agent output with this prefix report completed actions.
	actionPrefix   = "✓"
	maxActions     = 5
	maxActionLen   = 200
	maxPartialLine = 1024
)

// ErrNoExit is returned when the event channel closes without an exit event.
var ErrNoExit = errors.New("output stream ended without exit status")

// Config tunes the streamer. Zero fields take defaults.
type Config struct {
	Window        time.Duration
	MaxMessageLen int
	TailBytes     int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = DefaultMaxMessageLen
	}
	if c.TailBytes <= 0 {
		c.TailBytes = defaultTailBytes
	}
	if c.TailBytes > c.MaxMessageLen {
		c.TailBytes = c.MaxMessageLen
	}
	return c
}

// Finalizer renders the text delivered once the process has exited.
type Finalizer func(res *domain.ExecutionResult) string

// Delivery is what Pump produced.
type Delivery struct {
	Result   *domain.ExecutionResult
	Messages []transport.MessageHandle
	Edits    int
}

// Streamer pushes progress for one execution at a time per call. It holds no
// per-execution state and may be shared.
type Streamer struct {
	out     transport.Transport
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a Streamer writing to out.
func New(out transport.Transport, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{out: out, cfg: cfg.withDefaults(), metrics: m, logger: logger}
}

// MaxMessageLen is the per-message size limit in bytes.
func (s *Streamer) MaxMessageLen() int { return s.cfg.MaxMessageLen }

// Pump consumes runner events, editing the status message at most once per
// window, until the exit event arrives. It then edits the status one last
// time and sends the finalized result as new messages. Failed edits are
// logged and skipped; a failed final send is returned.
func (s *Streamer) Pump(ctx context.Context, status transport.MessageHandle, title string,
	events <-chan runner.Event, finalize Finalizer) (*Delivery, error) {
	p := &pump{
		s:       s,
		ctx:     ctx,
		status:  status,
		title:   title,
		started: time.Now(),
		tail:    newTailBuffer(s.cfg.TailBytes),
		limiter: rate.NewLimiter(rate.Every(s.cfg.Window), 1),
	}
	return p.run(events, finalize)
}

type pump struct {
	s       *Streamer
	ctx     context.Context
	status  transport.MessageHandle
	title   string
	started time.Time

	tail    *tailBuffer
	actions []string
	partial string

	limiter *rate.Limiter
	edits   int
}

func (p *pump) run(events <-chan runner.Event, finalize Finalizer) (*Delivery, error) {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending bool
	)
	arm := func(d time.Duration) {
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	ctxDone := p.ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return &Delivery{Edits: p.edits}, ErrNoExit
			}
			if ev.Kind == runner.EventExit {
				if timer != nil {
					timer.Stop()
				}
				return p.finish(ev.Result, finalize)
			}
			p.absorb(ev)
			pending = true
			if fire == nil {
				arm(p.s.cfg.Window)
			}

		case <-fire:
			fire = nil
			if !pending {
				continue
			}
			r := p.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				arm(d)
				continue
			}
			p.edit(p.renderStatus())
			pending = false

		case <-ctxDone:
			// The runner kills the process on cancellation and still sends
			// the exit event; keep draining until it arrives.
			ctxDone = nil
		}
	}
}

func (p *pump) absorb(ev runner.Event) {
	p.tail.WriteString(ev.Data)
	if ev.Kind != runner.EventStdout {
		return
	}
	lines := strings.Split(p.partial+ev.Data, "\n")
	p.partial = lines[len(lines)-1]
	if len(p.partial) > maxPartialLine {
		p.partial = ""
	}
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, actionPrefix) {
			continue
		}
		if len(line) > maxActionLen {
			line = line[:cutPoint(line, maxActionLen)]
		}
		p.actions = append(p.actions, line)
		if len(p.actions) > maxActions {
			p.actions = p.actions[len(p.actions)-maxActions:]
		}
	}
}

func (p *pump) edit(text string) {
	if err := p.s.out.EditMessage(p.ctx, p.status, text); err != nil {
		p.s.logger.Warn("Failed to edit status message",
			"user_id", p.status.UserID,
			"message_id", p.status.MessageID,
			"error", err)
		return
	}
	p.edits++
	p.s.metrics.StreamEdited()
}

func (p *pump) renderStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ %s (%s)\n", p.title, time.Since(p.started).Truncate(time.Second))
	if len(p.actions) > 0 {
		b.WriteString("\nProgress:\n")
		for _, a := range p.actions {
			b.WriteString(a)
			b.WriteByte('\n')
		}
	}
	const outputHeader = "\nOutput:\n"
	room := p.s.cfg.MaxMessageLen - b.Len() - len(outputHeader)
	if room > 0 && p.tail.Len() > 0 {
		b.WriteString(outputHeader)
		b.WriteString(p.tail.Last(room))
	}
	return clip(b.String(), p.s.cfg.MaxMessageLen)
}

func (p *pump) finish(res *domain.ExecutionResult, finalize Finalizer) (*Delivery, error) {
	d := &Delivery{Result: res}
	if res == nil {
		d.Edits = p.edits
		return d, ErrNoExit
	}

	p.edit(clip(StatusLine(p.title, res), p.s.cfg.MaxMessageLen))
	d.Edits = p.edits

	if finalize == nil {
		finalize = RenderResult
	}
	for _, part := range Split(finalize(res), p.s.cfg.MaxMessageLen) {
		h, err := p.s.out.SendMessage(p.ctx, p.status.UserID, part)
		if err != nil {
			return d, fmt.Errorf("send result message: %w", err)
		}
		d.Messages = append(d.Messages, h)
	}
	p.s.metrics.StreamSent(len(d.Messages))
	return d, nil
}

// StatusLine is the one-line summary left in the status message.
func StatusLine(title string, res *domain.ExecutionResult) string {
	elapsed := (time.Duration(res.DurationMs) * time.Millisecond).Round(100 * time.Millisecond)
	switch {
	case res.TimedOut:
		return fmt.Sprintf("⏱ %s timed out after %s", title, elapsed)
	case res.ExitCode == 0:
		return fmt.Sprintf("✅ %s finished in %s", title, elapsed)
	default:
		return fmt.Sprintf("❌ %s failed with exit code %d after %s", title, res.ExitCode, elapsed)
	}
}

// RenderResult formats captured output for delivery.
func RenderResult(res *domain.ExecutionResult) string {
	var b strings.Builder
	stdout := strings.TrimRight(res.Stdout(), "\n")
	stderr := strings.TrimRight(res.Stderr(), "\n")

	switch {
	case stdout == "" && stderr == "":
		b.WriteString("(no output)")
	case stderr == "":
		b.WriteString(stdout)
	case stdout == "":
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
	default:
		b.WriteString(stdout)
		b.WriteString("\n\nstderr:\n")
		b.WriteString(stderr)
	}

	switch {
	case res.TimedOut:
		b.WriteString("\n\n[timed out, output truncated]")
	case res.Truncated:
		b.WriteString("\n\n[output truncated]")
	}
	if res.ExitCode != 0 && !res.TimedOut {
		fmt.Fprintf(&b, "\n\nexit code: %d", res.ExitCode)
	}
	return b.String()
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:cutPoint(s, limit)]
}
