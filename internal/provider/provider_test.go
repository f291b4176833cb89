package provider

import (
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testherd/testherd/internal/clock"
	"github.com/testherd/testherd/internal/events"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) callback() events.Callback {
	return func(ev events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func newGeneric(t *testing.T) Provider {
	t.Helper()
	prov, err := New(KindGeneric)
	require.NoError(t, err)
	return prov
}

// runShell starts the generic provider with sh reading the given script
// from stdin.
func runShell(t *testing.T, prov Provider, taskID, script string, rec *recorder, extra func(*Options)) *Handle {
	t.Helper()
	opts := Options{
		TaskID:  taskID,
		Prompt:  script,
		Command: "sh",
		OnEvent: rec.callback(),
	}
	if extra != nil {
		extra(&opts)
	}
	handle, err := prov.Run(opts)
	require.NoError(t, err)
	return handle
}

func waitDone(t *testing.T, handle *Handle) {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete in time")
	}
}

func TestRunLifecycleEvents(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}

	handle := runShell(t, newGeneric(t), "t1", "echo hello; echo oops >&2", rec, nil)
	waitDone(t, handle)

	got := rec.snapshot()
	require.NotEmpty(t, got)

	first := got[0]
	assert.Equal(t, events.TypeStarted, first.Type)
	assert.Equal(t, "generic", first.Label)
	assert.Contains(t, first.Detail, "cmd=sh")
	assert.Contains(t, first.Detail, "write=off")

	last := got[len(got)-1]
	require.Equal(t, events.TypeCompleted, last.Type)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)

	var infoLines, errorLines []string
	for _, ev := range got[1 : len(got)-1] {
		require.Equal(t, events.TypeLog, ev.Type)
		switch ev.Level {
		case events.LevelError:
			errorLines = append(errorLines, ev.Message)
		default:
			infoLines = append(infoLines, ev.Message)
		}
	}
	assert.Contains(t, infoLines, "hello")
	assert.Contains(t, errorLines, "oops")
}

func TestRunStartedAndCompletedExactlyOnce(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}

	handle := runShell(t, newGeneric(t), "t1", "echo a; echo b", rec, nil)
	waitDone(t, handle)

	started, completed := 0, 0
	for i, ev := range rec.snapshot() {
		switch ev.Type {
		case events.TypeStarted:
			started++
			assert.Equal(t, 0, i, "started must be first")
		case events.TypeCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
}

func TestRunNonZeroExitCode(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}

	handle := runShell(t, newGeneric(t), "t1", "exit 3", rec, nil)
	waitDone(t, handle)

	got := rec.snapshot()
	last := got[len(got)-1]
	require.Equal(t, events.TypeCompleted, last.Type)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 3, *last.ExitCode)
}

func TestRunSpawnFailureReturnsErrorWithoutEvents(t *testing.T) {
	rec := &recorder{}
	prov := newGeneric(t)

	_, err := prov.Run(Options{
		TaskID:  "t1",
		Prompt:  "irrelevant",
		Command: "/definitely/not/a/real/binary",
		OnEvent: rec.callback(),
	})

	require.Error(t, err)
	assert.Empty(t, rec.snapshot(), "no partial event stream on spawn failure")
}

func TestRunWithoutExecutableIsAnError(t *testing.T) {
	prov := newGeneric(t)

	_, err := prov.Run(Options{TaskID: "t1", Prompt: "x"})
	require.Error(t, err)
}

func TestDisposeKillsRunAndCompletesAbnormally(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}

	handle := runShell(t, newGeneric(t), "t1", "sleep 30", rec, nil)
	require.NoError(t, handle.Dispose())
	require.NoError(t, handle.Dispose(), "dispose is idempotent")
	waitDone(t, handle)

	got := rec.snapshot()
	last := got[len(got)-1]
	require.Equal(t, events.TypeCompleted, last.Type)
	assert.Nil(t, last.ExitCode, "killed process has no usable exit code")
}

func TestPreemptionKillsPreviousRunAndWarns(t *testing.T) {
	skipOnWindows(t)
	prov := newGeneric(t)
	rec1 := &recorder{}
	rec2 := &recorder{}

	h1 := runShell(t, prov, "first-task", "sleep 30", rec1, nil)
	h2 := runShell(t, prov, "second-task", "echo second", rec2, nil)

	waitDone(t, h1)
	waitDone(t, h2)

	got2 := rec2.snapshot()
	require.True(t, len(got2) >= 2)
	warn := got2[0]
	assert.Equal(t, events.TypeLog, warn.Type)
	assert.Equal(t, events.LevelWarn, warn.Level)
	assert.Contains(t, warn.Message, "first-task")
	assert.Equal(t, events.TypeStarted, got2[1].Type, "warn precedes the new run's started")

	got1 := rec1.snapshot()
	last1 := got1[len(got1)-1]
	require.Equal(t, events.TypeCompleted, last1.Type)
	assert.Nil(t, last1.ExitCode)
}

func TestWatchdogStopsSilentProcess(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	fake := clock.NewFake(time.Now())

	handle := runShell(t, newGeneric(t), "t1", "sleep 60", rec, func(opts *Options) {
		opts.Clock = fake
		opts.SilenceTimeout = time.Second
	})

	deadline := time.After(10 * time.Second)
	for waiting := true; waiting; {
		select {
		case <-handle.Done():
			waiting = false
		case <-deadline:
			t.Fatal("watchdog never stopped the process")
		default:
			fake.Advance(time.Second)
			time.Sleep(5 * time.Millisecond)
		}
	}
	got := rec.snapshot()
	var sawStop bool
	for _, ev := range got {
		if ev.Type == events.TypeLog && ev.Level == events.LevelError &&
			strings.Contains(ev.Message, "no output for") {
			sawStop = true
		}
	}
	assert.True(t, sawStop, "expected a watchdog stop log")

	last := got[len(got)-1]
	require.Equal(t, events.TypeCompleted, last.Type)
	assert.Nil(t, last.ExitCode)
}

func TestNoEventsAfterCompleted(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}

	handle := runShell(t, newGeneric(t), "t1", "echo done", rec, nil)
	waitDone(t, handle)

	before := len(rec.snapshot())
	// A late dispose must not produce further events.
	require.NoError(t, handle.Dispose())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(rec.snapshot()))
}

func TestRegisteredKinds(t *testing.T) {
	kinds := RegisteredKinds()
	assert.Contains(t, kinds, "claude")
	assert.Contains(t, kinds, "codex")
	assert.Contains(t, kinds, "generic")
}

func TestStartDetailIncludesModel(t *testing.T) {
	detail := startDetail("claude", Options{Model: "opus", AllowWrite: true})
	assert.Equal(t, "cmd=claude, write=on, model=opus", detail)
}
