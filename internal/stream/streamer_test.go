package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/runner"
	"github.com/ashureev/agentrelay/internal/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	edits   []string
	sent    []string
	editErr error
	sendErr error
}

func (f *fakeTransport) SendMessage(_ context.Context, userID, text string) (transport.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageHandle{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return transport.MessageHandle{UserID: userID, MessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, _ transport.MessageHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) liveEdits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.edits {
		if strings.HasPrefix(e, "⏳") {
			out = append(out, e)
		}
	}
	return out
}

var status = transport.MessageHandle{UserID: "alice", MessageID: "status"}

func result(stdout string, exit int) *domain.ExecutionResult {
	return &domain.ExecutionResult{ExitCode: exit, StdoutChunks: []string{stdout}, DurationMs: 1200}
}

// feed sends chunks at the given offsets and the exit event at end.
func feed(offsets []time.Duration, end time.Duration, res *domain.ExecutionResult) <-chan runner.Event {
	ch := make(chan runner.Event)
	go func() {
		defer close(ch)
		start := time.Now()
		for i, off := range offsets {
			time.Sleep(time.Until(start.Add(off)))
			ch <- runner.Event{Kind: runner.EventStdout, Data: fmt.Sprintf("chunk %d\n", i)}
		}
		time.Sleep(time.Until(start.Add(end)))
		ch <- runner.Event{Kind: runner.EventExit, Result: res}
	}()
	return ch
}

func TestPump_CoalescesWithinWindow(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft, Config{Window: 300 * time.Millisecond}, nil, nil)

	ms := time.Millisecond
	events := feed([]time.Duration{0, 30 * ms, 60 * ms, 390 * ms}, 900*ms, result("done", 0))

	d, err := s.Pump(context.Background(), status, "Running", events, nil)
	require.NoError(t, err)

	live := ft.liveEdits()
	require.Len(t, live, 2)
	assert.Contains(t, live[0], "chunk 0\nchunk 1\nchunk 2\n")
	assert.NotContains(t, live[0], "chunk 3")
	assert.Contains(t, live[1], "chunk 3")

	assert.Equal(t, 3, d.Edits)
	require.Len(t, ft.sent, 1)
	assert.Equal(t, "done", ft.sent[0])
}

func TestPump_ExitCancelsPendingUpdate(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft, Config{Window: 300 * time.Millisecond}, nil, nil)

	events := feed([]time.Duration{0}, 50*time.Millisecond, result("out", 0))
	_, err := s.Pump(context.Background(), status, "Running", events, nil)
	require.NoError(t, err)

	assert.Empty(t, ft.liveEdits())
	require.Len(t, ft.edits, 1)
	assert.True(t, strings.HasPrefix(ft.edits[0], "✅"))
}

func TestPump_EditErrorsIgnored(t *testing.T) {
	ft := &fakeTransport{editErr: errors.New("message not modified")}
	s := New(ft, Config{Window: 50 * time.Millisecond}, nil, nil)

	events := feed([]time.Duration{0, 100 * time.Millisecond}, 250*time.Millisecond, result("ok", 0))
	d, err := s.Pump(context.Background(), status, "Running", events, nil)
	require.NoError(t, err)
	assert.Zero(t, d.Edits)
	assert.Len(t, d.Messages, 1)
}

func TestPump_SendErrorReturned(t *testing.T) {
	ft := &fakeTransport{sendErr: errors.New("connection closed")}
	s := New(ft, Config{Window: 50 * time.Millisecond}, nil, nil)

	d, err := s.Pump(context.Background(), status, "Running", feed(nil, 0, result("ok", 0)), nil)
	assert.Error(t, err)
	require.NotNil(t, d)
	assert.NotNil(t, d.Result)
}

func TestPump_SplitsLongResult(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft, Config{Window: 50 * time.Millisecond, MaxMessageLen: 100}, nil, nil)

	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "line %02d of output\n", i)
	}
	long := b.String()

	d, err := s.Pump(context.Background(), status, "Running", feed(nil, 0, result(long, 0)),
		func(res *domain.ExecutionResult) string { return res.Stdout() })
	require.NoError(t, err)

	assert.Greater(t, len(d.Messages), 1)
	assert.Equal(t, long, strings.Join(ft.sent, ""))
	for _, m := range ft.sent {
		assert.LessOrEqual(t, len(m), 100)
	}
}

func TestPump_StatusStaysUnderLimit(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft, Config{Window: 50 * time.Millisecond, MaxMessageLen: 200}, nil, nil)

	ch := make(chan runner.Event)
	go func() {
		defer close(ch)
		for i := 0; i < 5; i++ {
			ch <- runner.Event{Kind: runner.EventStdout, Data: strings.Repeat("é", 300)}
			time.Sleep(80 * time.Millisecond)
		}
		ch <- runner.Event{Kind: runner.EventExit, Result: result("x", 0)}
	}()

	_, err := s.Pump(context.Background(), status, "Running", ch, nil)
	require.NoError(t, err)
	require.NotEmpty(t, ft.liveEdits())
	for _, e := range ft.edits {
		assert.LessOrEqual(t, len(e), 200)
		assert.True(t, strings.ToValidUTF8(e, "?") == e)
	}
}

func TestPump_TracksActions(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft, Config{Window: 50 * time.Millisecond}, nil, nil)

	ch := make(chan runner.Event)
	go func() {
		defer close(ch)
		ch <- runner.Event{Kind: runner.EventStdout, Data: "thinking\n✓ Read main"}
		ch <- runner.Event{Kind: runner.EventStdout, Data: ".go\n  ✓ Ran tests\n"}
		time.Sleep(150 * time.Millisecond)
		ch <- runner.Event{Kind: runner.EventExit, Result: result("ok", 0)}
	}()

	_, err := s.Pump(context.Background(), status, "Running", ch, nil)
	require.NoError(t, err)
	live := ft.liveEdits()
	require.NotEmpty(t, live)
	assert.Contains(t, live[0], "Progress:\n✓ Read main.go\n✓ Ran tests\n")
}

func TestPump_ClosedWithoutExit(t *testing.T) {
	s := New(&fakeTransport{}, Config{}, nil, nil)
	ch := make(chan runner.Event)
	close(ch)
	_, err := s.Pump(context.Background(), status, "Running", ch, nil)
	assert.ErrorIs(t, err, ErrNoExit)
}

func TestStatusLine(t *testing.T) {
	assert.True(t, strings.HasPrefix(StatusLine("Agent", &domain.ExecutionResult{}), "✅"))
	assert.Contains(t, StatusLine("Agent", &domain.ExecutionResult{ExitCode: 2}), "exit code 2")
	assert.Contains(t, StatusLine("Agent", &domain.ExecutionResult{TimedOut: true, ExitCode: 124}), "timed out")
}

func TestRenderResult(t *testing.T) {
	assert.Equal(t, "(no output)", RenderResult(&domain.ExecutionResult{}))

	res := &domain.ExecutionResult{
		ExitCode:     1,
		StdoutChunks: []string{"a\n", "b\n"},
		StderrChunks: []string{"boom\n"},
		Truncated:    true,
	}
	assert.Equal(t, "a\nb\n\nstderr:\nboom\n\n[output truncated]\n\nexit code: 1", RenderResult(res))

	timeout := &domain.ExecutionResult{ExitCode: 124, TimedOut: true, Truncated: true, StdoutChunks: []string{"partial"}}
	assert.Equal(t, "partial\n\n[timed out, output truncated]", RenderResult(timeout))
}
