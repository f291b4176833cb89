// Package execresult extracts a structured verification result from free-form
// agent output.
//
// Two embedded marker formats are supported: a primary JSON block validated
// against a fixed schema, and a legacy line-oriented block kept for agents
// that predate the JSON format. Extraction never fails; when no usable block
// is present the returned result carries a descriptive error message instead.
package execresult

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Marker pairs delimiting the embedded payloads.
const (
	BeginJSONMarker = "<!-- BEGIN TEST EXECUTION JSON -->"
	EndJSONMarker   = "<!-- END TEST EXECUTION JSON -->"

	BeginLegacyMarker = "<!-- BEGIN TEST EXECUTION RESULT -->"
	EndLegacyMarker   = "<!-- END TEST EXECUTION RESULT -->"

	beginStdoutMarker = "<!-- BEGIN STDOUT -->"
	endStdoutMarker   = "<!-- END STDOUT -->"
	beginStderrMarker = "<!-- BEGIN STDERR -->"
	endStderrMarker   = "<!-- END STDERR -->"
)

// ErrNoMarkers is the message reported when neither block is present.
const ErrNoMarkers = "no test execution markers found in output"

// Runner identifies which channel produced a result.
type Runner string

const (
	// RunnerAgent means the result was parsed out of agent output.
	RunnerAgent Runner = "agent"

	// RunnerDirect means the verification command was executed directly.
	RunnerDirect Runner = "direct"
)

// Result is the structured outcome of one verification attempt. It is
// immutable after construction.
type Result struct {
	ExitCode        *int    `json:"exit_code"`
	Signal          *string `json:"signal"`
	DurationMs      int64   `json:"duration_ms"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	StdoutTruncated bool    `json:"stdout_truncated"`
	StderrTruncated bool    `json:"stderr_truncated"`
	Runner          Runner  `json:"execution_runner"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// resultSchema pins the primary payload shape. Unknown extra fields are
// tolerated; wrong types are not.
const resultSchema = `{
  "type": "object",
  "required": ["version", "exitCode", "signal", "durationMs", "stdout", "stderr"],
  "properties": {
    "version": {"type": "integer"},
    "exitCode": {"type": ["integer", "null"]},
    "signal": {"type": ["string", "null"]},
    "durationMs": {"type": "integer"},
    "stdout": {"type": "string"},
    "stderr": {"type": "string"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("execresult.json", strings.NewReader(resultSchema)); err != nil {
		panic(fmt.Sprintf("add execresult schema: %v", err))
	}
	schema, err := compiler.Compile("execresult.json")
	if err != nil {
		panic(fmt.Sprintf("compile execresult schema: %v", err))
	}
	return schema
}

type jsonPayload struct {
	Version    int     `json:"version"`
	ExitCode   *int    `json:"exitCode"`
	Signal     *string `json:"signal"`
	DurationMs int64   `json:"durationMs"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
}

// Extract locates a result block in the given output. measured is the
// wall-clock duration the caller observed around the verification attempt;
// it replaces a missing or non-positive reported durationMs.
func Extract(output string, measured time.Duration) Result {
	result := Result{Runner: RunnerAgent}

	payload, found, jsonErr := extractJSONBlock(output)
	if found && jsonErr == nil {
		result.ExitCode = payload.ExitCode
		result.Signal = payload.Signal
		result.DurationMs = resolveDuration(payload.DurationMs, measured)
		result.Stdout = payload.Stdout
		result.Stderr = payload.Stderr
		return result
	}

	legacy, legacyFound := extractLegacyBlock(output)
	if legacyFound {
		legacy.DurationMs = resolveDuration(legacy.DurationMs, measured)
		legacy.Runner = RunnerAgent
		return legacy
	}

	result.DurationMs = measured.Milliseconds()
	if jsonErr != nil {
		result.ErrorMessage = fmt.Sprintf("JSON parse failed: %v; %s", jsonErr, ErrNoMarkers)
	} else {
		result.ErrorMessage = ErrNoMarkers
	}
	return result
}

// resolveDuration prefers a positive reported duration; zero or negative
// means "not provided" and falls back to the measured wall clock.
func resolveDuration(reported int64, measured time.Duration) int64 {
	if reported > 0 {
		return reported
	}
	return measured.Milliseconds()
}

func extractJSONBlock(output string) (jsonPayload, bool, error) {
	var payload jsonPayload

	body, ok := between(output, BeginJSONMarker, EndJSONMarker)
	if !ok {
		return payload, false, nil
	}
	body = strings.TrimSpace(body)

	var raw any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return payload, true, fmt.Errorf("unmarshal result block: %w", err)
	}
	if err := compiledSchema.Validate(raw); err != nil {
		return payload, true, fmt.Errorf("validate result block: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return payload, true, fmt.Errorf("decode result block: %w", err)
	}
	return payload, true, nil
}

func extractLegacyBlock(output string) (Result, bool) {
	result := Result{}

	body, ok := between(output, BeginLegacyMarker, EndLegacyMarker)
	if !ok {
		return result, false
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "exitCode:"):
			value := strings.TrimSpace(strings.TrimPrefix(line, "exitCode:"))
			if value != "null" {
				if code, err := strconv.Atoi(value); err == nil {
					result.ExitCode = &code
				}
			}
		case strings.HasPrefix(line, "signal:"):
			value := strings.TrimSpace(strings.TrimPrefix(line, "signal:"))
			if value != "" && value != "null" {
				result.Signal = &value
			}
		case strings.HasPrefix(line, "durationMs:"):
			value := strings.TrimSpace(strings.TrimPrefix(line, "durationMs:"))
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.DurationMs = ms
			}
		}
	}

	// The stdout/stderr sub-blocks are each independently optional;
	// absence means empty string.
	if stdout, ok := between(body, beginStdoutMarker, endStdoutMarker); ok {
		result.Stdout = strings.TrimSpace(stdout)
	}
	if stderr, ok := between(body, beginStderrMarker, endStderrMarker); ok {
		result.Stderr = strings.TrimSpace(stderr)
	}

	return result, true
}

// between returns the text strictly between the first occurrence of begin
// and the first occurrence of end after it.
func between(s, begin, end string) (string, bool) {
	start := strings.Index(s, begin)
	if start < 0 {
		return "", false
	}
	start += len(begin)
	stop := strings.Index(s[start:], end)
	if stop < 0 {
		return "", false
	}
	return s[start : start+stop], true
}
