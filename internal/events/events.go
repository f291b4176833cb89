// Package events defines the canonical event stream emitted for agent runs.
//
// Every provider backend, whatever its raw output format, is normalized into
// this small union. The shapes here are the wire contract toward UI and
// telemetry consumers and must stay stable across backends.
package events

import "time"

// Type discriminates the canonical event union.
type Type string

const (
	// TypeStarted is emitted exactly once when a run begins.
	TypeStarted Type = "started"

	// TypePhase marks a transition into a named phase of the run.
	TypePhase Type = "phase"

	// TypeLog carries a leveled, human-readable message.
	TypeLog Type = "log"

	// TypeFileWrite reports a file created or edited by the agent.
	TypeFileWrite Type = "fileWrite"

	// TypeCompleted is terminal; exactly one per run, even on spawn
	// failure. A nil exit code signals abnormal termination.
	TypeCompleted Type = "completed"
)

// Phase identifies a stage of a generation run.
type Phase string

const (
	PhasePreparing    Phase = "preparing"
	PhasePerspectives Phase = "perspectives"
	PhaseGenerating   Phase = "generating"
	PhaseRunningTests Phase = "running-tests"
	PhaseDone         Phase = "done"
)

// Level is the severity of a log event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one canonical occurrence in a run's stream. Only the fields
// relevant to the Type are populated; the rest stay zero.
type Event struct {
	Type        Type   `json:"type"`
	TaskID      string `json:"task_id"`
	TimestampMs int64  `json:"timestamp_ms"`

	// started
	Label  string `json:"label,omitempty"`
	Detail string `json:"detail,omitempty"`

	// phase
	Phase      Phase  `json:"phase,omitempty"`
	PhaseLabel string `json:"phase_label,omitempty"`

	// log
	Level   Level  `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// fileWrite
	Path         string `json:"path,omitempty"`
	LinesCreated int    `json:"lines_created,omitempty"`
	BytesWritten int    `json:"bytes_written,omitempty"`

	// completed; nil means the process exited without a usable code.
	ExitCode *int `json:"exit_code,omitempty"`
}

// Callback receives canonical events for a single run. Events for one task
// arrive in emission order; Completed is always last.
type Callback func(Event)

// NowMs returns the given time as milliseconds since the Unix epoch.
func NowMs(t time.Time) int64 {
	return t.UnixMilli()
}

// Started builds a started event.
func Started(taskID, label, detail string, at time.Time) Event {
	return Event{Type: TypeStarted, TaskID: taskID, Label: label, Detail: detail, TimestampMs: NowMs(at)}
}

// PhaseChange builds a phase event.
func PhaseChange(taskID string, phase Phase, phaseLabel string, at time.Time) Event {
	return Event{Type: TypePhase, TaskID: taskID, Phase: phase, PhaseLabel: phaseLabel, TimestampMs: NowMs(at)}
}

// Log builds a log event.
func Log(taskID string, level Level, message string, at time.Time) Event {
	return Event{Type: TypeLog, TaskID: taskID, Level: level, Message: message, TimestampMs: NowMs(at)}
}

// FileWrite builds a fileWrite event.
func FileWrite(taskID, path string, linesCreated, bytesWritten int, at time.Time) Event {
	return Event{
		Type:         TypeFileWrite,
		TaskID:       taskID,
		Path:         path,
		LinesCreated: linesCreated,
		BytesWritten: bytesWritten,
		TimestampMs:  NowMs(at),
	}
}

// Completed builds the terminal event. exitCode may be nil for abnormal
// termination.
func Completed(taskID string, exitCode *int, at time.Time) Event {
	return Event{Type: TypeCompleted, TaskID: taskID, ExitCode: exitCode, TimestampMs: NowMs(at)}
}
