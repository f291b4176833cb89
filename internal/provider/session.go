package provider

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testherd/testherd/internal/clock"
	"github.com/testherd/testherd/internal/events"
	"github.com/testherd/testherd/internal/stream"
)

// backend is the shared Provider implementation; backend-specific behavior
// lives entirely in its spec.
type backend struct {
	spec   backendSpec
	mu     sync.Mutex
	active *session
}

func newBackend(spec backendSpec) *backend {
	return &backend{spec: spec}
}

func (b *backend) ID() string          { return b.spec.id }
func (b *backend) DisplayName() string { return b.spec.displayName }

// Run implements the provider lifecycle: preempt any active process, build
// the invocation, spawn, emit started, wire the normalizer and watchdog,
// and hand back a disposable handle. Only a synchronous spawn failure (or a
// structurally unusable configuration) is returned as an error.
func (b *backend) Run(opts Options) (*Handle, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(events.Event) {}
	}
	mode := opts.OutputFormat
	if mode == "" {
		mode = b.spec.outputMode
	}
	silence := opts.SilenceTimeout
	if silence == 0 {
		silence = DefaultSilenceTimeout
	}

	binary := b.spec.binary(opts)
	if binary == "" {
		return nil, errors.New("no executable configured for provider " + b.spec.id)
	}

	cmd := exec.Command(binary, b.spec.buildArgs(opts)...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	if b.spec.promptViaStdin {
		cmd.Stdin = strings.NewReader(ensurePromptTerminator(opts.Prompt))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	b.mu.Lock()
	if prev := b.active; prev != nil {
		prev.kill()
		opts.OnEvent(events.Log(opts.TaskID, events.LevelWarn,
			fmt.Sprintf("superseding active run %s", prev.taskID), opts.Clock.Now()))
	}
	if err := cmd.Start(); err != nil {
		b.active = nil
		b.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w", b.spec.id, err)
	}

	s := &session{
		taskID:  opts.TaskID,
		owner:   b,
		onEvent: opts.OnEvent,
		clk:     opts.Clock,
		cmd:     cmd,
		silence: silence,
		done:    make(chan struct{}),
	}
	s.lastActivity.Store(s.clk.Now().UnixNano())
	b.active = s
	b.mu.Unlock()

	s.emit(events.Started(opts.TaskID, b.spec.id, startDetail(binary, opts), s.clk.Now()))

	norm := stream.New(stream.Options{
		TaskID:     opts.TaskID,
		WorkDir:    opts.WorkDir,
		Mode:       mode,
		OnEvent:    s.emit,
		Clock:      s.clk,
		OnActivity: s.touch,
	})
	s.begin(norm, stdout, stderr)

	return &Handle{s: s}, nil
}

func (b *backend) clearActive(s *session) {
	b.mu.Lock()
	if b.active == s {
		b.active = nil
	}
	b.mu.Unlock()
}

func startDetail(binary string, opts Options) string {
	write := "off"
	if opts.AllowWrite {
		write = "on"
	}
	detail := fmt.Sprintf("cmd=%s, write=%s", binary, write)
	if opts.Model != "" {
		detail += ", model=" + opts.Model
	}
	return detail
}

func ensurePromptTerminator(prompt string) string {
	if strings.HasSuffix(prompt, "\n") {
		return prompt
	}
	return prompt + "\n"
}

// Handle is the caller's grip on a running process.
type Handle struct {
	s *session
}

// TaskID returns the run's task id.
func (h *Handle) TaskID() string { return h.s.taskID }

// Dispose kills the process if still active. It is idempotent and never
// fails; the completed event still arrives through the normal exit path.
func (h *Handle) Dispose() error {
	h.s.kill()
	return nil
}

// Done is closed once the run's completed event has been emitted.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

// session supervises one spawned process. All event emission funnels
// through emit, which serializes callbacks and enforces that nothing
// follows the completed event.
type session struct {
	taskID  string
	owner   *backend
	onEvent events.Callback
	clk     clock.Clock
	cmd     *exec.Cmd

	silence      time.Duration
	lastActivity atomic.Int64

	emitMu    sync.Mutex
	completed bool
	killOnce  sync.Once
	done      chan struct{}
}

func (s *session) emit(ev events.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.completed {
		return
	}
	if ev.Type == events.TypeCompleted {
		s.completed = true
	}
	s.onEvent(ev)
}

func (s *session) touch() {
	s.lastActivity.Store(s.clk.Now().UnixNano())
}

// kill requests process termination. Exactly one Kill reaches the OS no
// matter how many paths (preemption, watchdog, dispose) ask for it; errors
// from an already-exited process are swallowed.
func (s *session) kill() {
	s.killOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}

// begin wires the output streams and watchdog and arranges the terminal
// completed event after exit and output drain.
func (s *session) begin(norm *stream.Normalizer, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = norm.ConsumeStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		_ = norm.ConsumeStderr(stderr)
	}()

	if s.silence > 0 {
		go s.watchdog()
	}

	go func() {
		wg.Wait()
		err := s.cmd.Wait()
		exit := exitPtrFromError(err)
		if err != nil && exit == nil {
			s.emit(events.Log(s.taskID, events.LevelError, err.Error(), s.clk.Now()))
		}
		s.emit(events.Completed(s.taskID, exit, s.clk.Now()))
		close(s.done)
		s.owner.clearActive(s)
	}()
}

// watchdog stops the process after prolonged silence. The completed event
// still arrives via the normal exit path once the kill lands.
func (s *session) watchdog() {
	interval := s.silence / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.Chan():
			idle := now.Sub(time.Unix(0, s.lastActivity.Load()))
			if idle > s.silence {
				s.emit(events.Log(s.taskID, events.LevelError,
					fmt.Sprintf("no output for %s, stopping process", idle.Truncate(time.Second)), s.clk.Now()))
				s.kill()
				return
			}
		}
	}
}

// exitPtrFromError maps a Wait error to the completed event's exit code;
// nil means the process died without a usable code.
func exitPtrFromError(err error) *int {
	if err == nil {
		code := 0
		return &code
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return &code
		}
	}
	return nil
}
