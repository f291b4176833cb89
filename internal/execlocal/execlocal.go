// Package execlocal runs a verification command directly, without going
// through an agent, and captures its output under hard byte caps.
package execlocal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/testherd/testherd/internal/execresult"
)

// DefaultOutputByteCap bounds captured stdout and stderr, independently per
// stream. The value is policy, not protocol; override it via Spec.ByteCap.
const DefaultOutputByteCap = 5 * 1024 * 1024

// Truncation markers appended after a byte-capped prefix.
const (
	StdoutTruncatedMarker = "... (stdout truncated)"
	StderrTruncatedMarker = "... (stderr truncated)"
)

// Spec describes one verification command invocation.
type Spec struct {
	// Command is the argv to execute; Command[0] is the executable.
	Command []string

	// WorkDir is the working directory, or empty for the inherited one.
	WorkDir string

	// Env entries are merged on top of (and override) the inherited
	// process environment.
	Env map[string]string

	// ByteCap overrides DefaultOutputByteCap when positive.
	ByteCap int
}

// Run executes the command and returns its result. Spawn failures and
// non-existent commands surface through the exit code and error message,
// never as an error return or panic.
func Run(ctx context.Context, spec Spec) execresult.Result {
	result := execresult.Result{Runner: execresult.RunnerDirect}

	if len(spec.Command) == 0 {
		code := -1
		result.ExitCode = &code
		result.ErrorMessage = "no command given"
		return result
	}

	cap := spec.ByteCap
	if cap <= 0 {
		cap = DefaultOutputByteCap
	}
	stdout := newCappedBuffer(cap)
	stderr := newCappedBuffer(cap)

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	start := time.Now()
	err := cmd.Run()
	result.DurationMs = time.Since(start).Milliseconds()

	result.Stdout, result.StdoutTruncated = stdout.contents(StdoutTruncatedMarker)
	result.Stderr, result.StderrTruncated = stderr.contents(StderrTruncatedMarker)

	code := exitCodeFromError(err)
	if err == nil {
		result.ExitCode = &code
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if name := signalName(exitErr); name != "" {
			result.Signal = &name
		}
		if exitErr.ExitCode() >= 0 {
			result.ExitCode = &code
		}
		// Killed by signal: exit code stays nil, the signal tells the story.
		return result
	}

	// The command never ran (not found, not executable, bad workdir).
	result.ExitCode = &code
	result.ErrorMessage = err.Error()
	return result
}

// exitCodeFromError maps a command error to an exit code, -1 when the
// process did not produce one.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// mergeEnv overlays extra entries onto the base KEY=VALUE environment.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, entry := range base {
		key := entry
		if i := indexByte(entry, '='); i >= 0 {
			key = entry[:i]
		}
		if _, ok := extra[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range extra {
		merged = append(merged, key+"="+value)
	}
	return merged
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// cappedBuffer keeps at most max bytes. Output exactly at the cap is kept
// whole; one byte beyond marks the buffer truncated.
type cappedBuffer struct {
	mu        sync.Mutex
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.max - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) contents(marker string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.truncated {
		return c.buf.String(), false
	}
	return c.buf.String() + marker, true
}
