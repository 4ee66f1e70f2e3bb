// Package runner spawns external processes and streams their output as it
// is produced.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/ashureev/agentrelay/internal/domain"
)

const (
	// DefaultTimeout applies when Spec.Timeout is zero.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxOutputBytes caps captured output across both streams.
	DefaultMaxOutputBytes = 1 << 20

	readSize   = 4096
	eventQueue = 64
	// How long to wait for pipes held open by orphaned grandchildren once
	// the main process has exited.
	drainGrace = 2 * time.Second
)

// EventKind tags a runner event.
type EventKind int

const (
	EventStdout EventKind = iota + 1
	EventStderr
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one item on the runner channel. Exactly one EventExit is sent,
// always last, and carries the result.
type Event struct {
	Kind   EventKind
	Data   string
	Result *domain.ExecutionResult
}

// Spec describes a process to run.
type Spec struct {
	Executable     string
	Args           []string
	Dir            string
	Timeout        time.Duration
	Stdin          string
	Env            []string
	MaxOutputBytes int
}

// Runner starts processes. The zero value is usable.
type Runner struct {
	logger *slog.Logger
}

// New returns a Runner. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

func (r *Runner) log() *slog.Logger {
	if r == nil || r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// Start spawns the process and returns a channel of output events. If the
// executable cannot be started, the error wraps domain.ErrSpawnFailure and no
// channel is returned. The caller must drain the channel until it closes.
func (r *Runner) Start(ctx context.Context, spec Spec) (<-chan Event, error) {
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	if spec.MaxOutputBytes <= 0 {
		spec.MaxOutputBytes = DefaultMaxOutputBytes
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", domain.ErrSpawnFailure, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", domain.ErrSpawnFailure, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	started := time.Now()
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSpawnFailure, spec.Executable, err)
	}
	// The child owns the write ends now.
	outW.Close()
	errW.Close()

	pid := cmd.Process.Pid
	r.log().Debug("Process started", "pid", pid, "executable", spec.Executable, "dir", spec.Dir)

	ex := &execution{
		runner:  r,
		pid:     pid,
		events:  make(chan Event, eventQueue),
		limit:   spec.MaxOutputBytes,
		started: started,
	}
	go ex.run(ctx, cmd, spec.Timeout, outR, errR)
	return ex.events, nil
}

// Run starts the process and blocks until it exits, passing each output
// chunk to onChunk. onChunk may be nil.
func (r *Runner) Run(ctx context.Context, spec Spec, onChunk func(Event)) (*domain.ExecutionResult, error) {
	events, err := r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	var result *domain.ExecutionResult
	for ev := range events {
		if ev.Kind == EventExit {
			result = ev.Result
			continue
		}
		if onChunk != nil {
			onChunk(ev)
		}
	}
	return result, nil
}

type execution struct {
	runner  *Runner
	pid     int
	events  chan Event
	limit   int
	started time.Time

	mu        sync.Mutex
	captured  int
	truncated bool
	stdout    []string
	stderr    []string

	timedOut  atomic.Bool
	cancelled atomic.Bool
}

func (e *execution) run(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, outR, errR *os.File) {
	defer close(e.events)

	timer := time.AfterFunc(timeout, func() {
		e.timedOut.Store(true)
		e.kill("timeout")
	})
	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.cancelled.Store(true)
			e.kill("context cancelled")
		case <-exited:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go e.pump(&wg, outR, EventStdout)
	go e.pump(&wg, errR, EventStderr)

	waitErr := cmd.Wait()
	timer.Stop()
	close(exited)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		// Background descendants still hold the pipes.
		e.kill("orphaned descendants")
		outR.Close()
		errR.Close()
		<-drained
	}
	outR.Close()
	errR.Close()

	result := e.result(cmd, waitErr)
	e.runner.log().Info("Process finished",
		"pid", e.pid,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"truncated", result.Truncated,
		"duration_ms", result.DurationMs)
	e.events <- Event{Kind: EventExit, Result: result}
}

func (e *execution) result(cmd *exec.Cmd, waitErr error) *domain.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &domain.ExecutionResult{
		StdoutChunks: e.stdout,
		StderrChunks: e.stderr,
		Truncated:    e.truncated,
		DurationMs:   time.Since(e.started).Milliseconds(),
		PID:          e.pid,
	}
	switch {
	case e.timedOut.Load():
		res.ExitCode = domain.ExitTimeout
		res.TimedOut = true
		res.Truncated = true
	case e.cancelled.Load():
		res.ExitCode = exitCode(cmd, waitErr)
		res.Truncated = true
	default:
		res.ExitCode = exitCode(cmd, waitErr)
	}
	return res
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// kill sends SIGKILL to the whole process group so children spawned by the
// agent or by a shell pipeline die with it.
func (e *execution) kill(reason string) {
	e.runner.log().Warn("Killing process group", "pid", e.pid, "reason", reason)
	if err := unix.Kill(-e.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		e.runner.log().Error("Failed to kill process group", "pid", e.pid, "error", err)
	}
}

func (e *execution) pump(wg *sync.WaitGroup, r io.Reader, kind EventKind) {
	defer wg.Done()
	buf := make([]byte, readSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			// Hold back an incomplete trailing rune for the next read.
			cut := validPrefix(data)
			carry = append([]byte(nil), data[cut:]...)
			e.emit(kind, string(data[:cut]))
		}
		if err != nil {
			if len(carry) > 0 {
				e.emit(kind, string(carry))
			}
			return
		}
	}
}

// emit records a chunk under the output cap and forwards it.
func (e *execution) emit(kind EventKind, chunk string) {
	if chunk == "" {
		return
	}
	e.mu.Lock()
	room := e.limit - e.captured
	if room <= 0 {
		e.truncated = true
		e.mu.Unlock()
		return
	}
	if len(chunk) > room {
		chunk = chunk[:runeBoundary(chunk, room)]
		e.truncated = true
	}
	if chunk == "" {
		e.mu.Unlock()
		return
	}
	e.captured += len(chunk)
	if kind == EventStdout {
		e.stdout = append(e.stdout, chunk)
	} else {
		e.stderr = append(e.stderr, chunk)
	}
	e.mu.Unlock()

	e.events <- Event{Kind: kind, Data: chunk}
}

// validPrefix returns the length of data without a trailing partial rune.
func validPrefix(data []byte) int {
	n := len(data)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		b := data[n-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if !utf8.FullRune(data[n-i:]) {
			return n - i
		}
		return n
	}
	return n
}

// runeBoundary returns the largest index <= max that does not split a rune.
func runeBoundary(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}
