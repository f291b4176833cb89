// Package logging renders canonical events for humans and machines: a
// leveled console sink built on charmbracelet/log, and a JSONL sink for
// per-run log files.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/testherd/testherd/internal/events"
)

// ConsoleOptions holds configuration for console output.
type ConsoleOptions struct {
	Level           log.Level
	ReportTimestamp bool
	Prefix          string
}

// DefaultConsoleOptions returns the default console configuration.
func DefaultConsoleOptions() ConsoleOptions {
	return ConsoleOptions{
		Level:           log.InfoLevel,
		ReportTimestamp: false,
		Prefix:          "testherd",
	}
}

// ParseLevel maps a config string to a log level, defaulting to info.
func ParseLevel(s string) log.Level {
	level, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// ConsoleSink renders canonical events as colorful leveled console lines.
type ConsoleSink struct {
	logger *log.Logger
}

// NewConsoleSink creates a console sink writing to w.
func NewConsoleSink(w io.Writer, opts ConsoleOptions) *ConsoleSink {
	logger := log.NewWithOptions(w, log.Options{
		Level:           opts.Level,
		ReportTimestamp: opts.ReportTimestamp,
		Prefix:          opts.Prefix,
	})
	return &ConsoleSink{logger: logger}
}

// NewConsoleSinkWithLogger wraps an existing logger, useful for tests.
func NewConsoleSinkWithLogger(logger *log.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger}
}

// Event renders one canonical event.
func (c *ConsoleSink) Event(ev events.Event) {
	switch ev.Type {
	case events.TypeStarted:
		c.logger.Info("run started", "task", ev.TaskID, "provider", ev.Label, "detail", ev.Detail)
	case events.TypePhase:
		c.logger.Info("phase", "task", ev.TaskID, "phase", ev.Phase, "label", ev.PhaseLabel)
	case events.TypeFileWrite:
		fields := []any{"task", ev.TaskID, "path", ev.Path}
		if ev.LinesCreated > 0 {
			fields = append(fields, "lines", ev.LinesCreated)
		}
		if ev.BytesWritten > 0 {
			fields = append(fields, "bytes", ev.BytesWritten)
		}
		c.logger.Info("file written", fields...)
	case events.TypeCompleted:
		if ev.ExitCode == nil {
			c.logger.Error("run completed abnormally", "task", ev.TaskID)
		} else if *ev.ExitCode != 0 {
			c.logger.Warn("run completed", "task", ev.TaskID, "exit", *ev.ExitCode)
		} else {
			c.logger.Info("run completed", "task", ev.TaskID, "exit", 0)
		}
	case events.TypeLog:
		switch ev.Level {
		case events.LevelError:
			c.logger.Error(ev.Message, "task", ev.TaskID)
		case events.LevelWarn:
			c.logger.Warn(ev.Message, "task", ev.TaskID)
		default:
			c.logger.Info(ev.Message, "task", ev.TaskID)
		}
	}
}

// JSONLSink writes one JSON object per event. Safe for concurrent use.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink creates a JSONL sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Event appends one event as a JSON line. Marshal errors are impossible for
// the event shape; write errors are reported.
func (s *JSONLSink) Event(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}

// RunLogger owns a per-run JSONL log file under a base directory.
type RunLogger struct {
	RunID   string
	LogPath string
	file    *os.File
	sink    *JSONLSink
}

// NewRunLogger creates the log directory and a fresh JSONL file named by
// timestamp and pid.
func NewRunLogger(baseDir string) (*RunLogger, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("log base dir is empty")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	runID := fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102-150405"), os.Getpid())
	logPath := filepath.Join(baseDir, runID+".jsonl")
	file, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	return &RunLogger{
		RunID:   runID,
		LogPath: logPath,
		file:    file,
		sink:    NewJSONLSink(file),
	}, nil
}

// Event appends one event to the run log.
func (r *RunLogger) Event(ev events.Event) error {
	return r.sink.Event(ev)
}

// Close closes the log file.
func (r *RunLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}
