// Package stream normalizes raw provider output into canonical events.
//
// Two raw formats are supported, selected per run: plain line-oriented text,
// and "stream" output where each line is an independent JSON object. Both
// degrade gracefully: a malformed structured line becomes an unknown-event
// log line, never a failed run.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/testherd/testherd/internal/clock"
	"github.com/testherd/testherd/internal/events"
)

const (
	// MaxScanTokenSize bounds a single raw line. Structured events can be
	// large when tool calls embed whole files.
	MaxScanTokenSize = 1024 * 1024

	// ScanBufferSize is the scanner's initial buffer.
	ScanBufferSize = 64 * 1024
)

// Mode selects how raw stdout is interpreted.
type Mode string

const (
	// ModeText treats every non-empty line as an info log line.
	ModeText Mode = "text"

	// ModeStream parses each line as an independent JSON object.
	ModeStream Mode = "stream-json"
)

// Options configures a Normalizer.
type Options struct {
	TaskID  string
	WorkDir string
	Mode    Mode
	OnEvent events.Callback
	Clock   clock.Clock

	// OnActivity is invoked for every line read from either stream; the
	// watchdog uses it to track silence.
	OnActivity func()
}

// Normalizer turns provider-specific output lines into canonical events.
// ConsumeStdout and ConsumeStderr may run on separate goroutines; fileWrite
// bookkeeping lives entirely on the stdout path.
type Normalizer struct {
	opts          Options
	lastWritePath string
}

// New creates a Normalizer. A nil clock defaults to the wall clock; a nil
// event callback drops events.
func New(opts Options) *Normalizer {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(events.Event) {}
	}
	if opts.Mode == "" {
		opts.Mode = ModeText
	}
	return &Normalizer{opts: opts}
}

// ConsumeStdout reads stdout to EOF, emitting events per the configured
// mode. An unterminated final partial line is flushed as one last line.
func (n *Normalizer) ConsumeStdout(r io.Reader) error {
	scanner := newScanner(r)
	for scanner.Scan() {
		n.activity()
		line := scanner.Text()
		if n.opts.Mode == ModeStream {
			n.handleStructuredLine(line)
		} else {
			n.handleTextLine(line, events.LevelInfo)
		}
	}
	return scanner.Err()
}

// ConsumeStderr reads stderr to EOF; every non-empty line becomes an error
// log line regardless of mode.
func (n *Normalizer) ConsumeStderr(r io.Reader) error {
	scanner := newScanner(r)
	for scanner.Scan() {
		n.activity()
		n.handleTextLine(scanner.Text(), events.LevelError)
	}
	return scanner.Err()
}

func (n *Normalizer) activity() {
	if n.opts.OnActivity != nil {
		n.opts.OnActivity()
	}
}

func (n *Normalizer) emitLog(level events.Level, message string) {
	n.opts.OnEvent(events.Log(n.opts.TaskID, level, message, n.opts.Clock.Now()))
}

func (n *Normalizer) handleTextLine(line string, level events.Level) {
	if strings.TrimSpace(line) == "" {
		return
	}
	n.emitLog(level, line)
}

// handleStructuredLine maps one JSON record to zero or more canonical
// events. Unrecognized or malformed shapes fall through to the unknown
// branch; one bad line must never abort the run.
func (n *Normalizer) handleStructuredLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		n.emitLog(events.LevelInfo, "event:unknown")
		return
	}

	recordType, _ := raw["type"].(string)
	switch recordType {
	case "tool", "tool_use", "tool_call":
		n.handleToolRecord(raw)
	case "result":
		n.handleResultRecord(raw)
	case "system":
		if sub := stringField(raw, "subtype", "state"); sub != "" {
			n.emitLog(events.LevelInfo, "system:"+sub)
		}
	case "assistant":
		if text := assistantText(raw); text != "" {
			n.emitLog(events.LevelInfo, text)
		}
	case "thinking", "user":
		// Lifecycle chatter, deliberately dropped.
	default:
		n.emitLog(events.LevelInfo, "event:unknown")
	}
}

// handleToolRecord emits a fileWrite for write/edit operations. Path
// precedence depends on the record's sub-state: a start record only trusts
// the declared argument path, a completed record prefers the reported
// success path, then the declared path, then the last emitted write path.
func (n *Normalizer) handleToolRecord(raw map[string]any) {
	name := stringField(raw, "name", "tool", "tool_name")
	if !isWriteOperation(name) {
		return
	}

	state := stringField(raw, "state", "subtype")
	args := mapField(raw, "args", "input")
	argPath := stringField(args, "path", "file_path", "filePath")

	success := successField(raw)

	var path string
	if state == "start" {
		// No fallback on start: without a declared path there is no event.
		path = argPath
	} else {
		path = stringField(success, "path")
		if path == "" {
			path = argPath
		}
		if path == "" {
			path = n.lastWritePath
		}
	}
	if path == "" {
		return
	}

	path = n.relativize(path)
	n.lastWritePath = path

	lines := intField(success, "linesAdded", "lines_added")
	bytesWritten := intField(success, "bytesWritten", "bytes_written")
	n.opts.OnEvent(events.FileWrite(n.opts.TaskID, path, lines, bytesWritten, n.opts.Clock.Now()))
}

func (n *Normalizer) handleResultRecord(raw map[string]any) {
	duration := "unknown"
	if ms, ok := numberField(raw, "duration_ms", "durationMs"); ok {
		duration = fmt.Sprintf("%dms", ms)
	}
	n.emitLog(events.LevelInfo, "result: duration="+duration)

	if body := resultBody(raw["result"]); body != "" {
		n.emitLog(events.LevelInfo, body)
	}
}

// relativize converts an absolute path to one relative to the working
// directory. A relative form that would escape the working directory keeps
// the absolute path verbatim.
func (n *Normalizer) relativize(path string) string {
	if n.opts.WorkDir == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(n.opts.WorkDir, path)
	if err != nil {
		return path
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// isWriteOperation matches write/edit operation names case-insensitively,
// covering the historical key spellings used by different backends.
func isWriteOperation(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "write") || strings.Contains(lower, "edit")
}

// assistantText extracts the text of a well-formed assistant record:
// message.content must be an array whose first element carries text.
// Malformed shapes yield nothing.
func assistantText(raw map[string]any) string {
	message, ok := raw["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, ok := message["content"].([]any)
	if !ok || len(content) == 0 {
		return ""
	}
	first, ok := content[0].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := first["text"].(string)
	return text
}

// resultBody extracts a textual result body: either a direct string or a
// nested content array whose first element carries text.
func resultBody(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		content, ok := v["content"].([]any)
		if !ok || len(content) == 0 {
			return ""
		}
		if first, ok := content[0].(map[string]any); ok {
			if text, ok := first["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

func successField(raw map[string]any) map[string]any {
	result, ok := raw["result"].(map[string]any)
	if !ok {
		return nil
	}
	success, _ := result["success"].(map[string]any)
	return success
}

func stringField(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		if value, ok := m[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func mapField(m map[string]any, keys ...string) map[string]any {
	if m == nil {
		return nil
	}
	for _, key := range keys {
		if value, ok := m[key].(map[string]any); ok {
			return value
		}
	}
	return nil
}

func intField(m map[string]any, keys ...string) int {
	value, ok := numberField(m, keys...)
	if !ok {
		return 0
	}
	return value
}

func numberField(m map[string]any, keys ...string) (int, bool) {
	if m == nil {
		return 0, false
	}
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case json.Number:
			if parsed, err := v.Int64(); err == nil {
				return int(parsed), true
			}
		}
	}
	return 0, false
}

// newScanner creates a buffered scanner with consistent settings.
func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, ScanBufferSize), MaxScanTokenSize)
	return scanner
}
