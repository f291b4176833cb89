// Package provider spawns and supervises external agent processes under a
// uniform lifecycle.
//
// Each backend (claude, codex, generic) contributes a backendSpec describing
// its invocation; the shared run session owns preemption, stdin handling,
// output normalization and the silence watchdog. A Provider instance holds
// at most one live process; starting a new run while one is active preempts
// the old run rather than rejecting the new one.
package provider

import (
	"fmt"
	"sort"
	"time"

	"github.com/testherd/testherd/internal/clock"
	"github.com/testherd/testherd/internal/events"
	"github.com/testherd/testherd/internal/stream"
)

// DefaultSilenceTimeout is how long a process may produce no output before
// the watchdog stops it. The value is operational policy; override it per
// run via Options.SilenceTimeout.
const DefaultSilenceTimeout = 4 * time.Minute

// Kind identifies a provider backend.
type Kind string

const (
	KindClaude  Kind = "claude"
	KindCodex   Kind = "codex"
	KindGeneric Kind = "generic"
)

// Options carries everything a single run needs. Run returns without
// blocking; all process effects arrive asynchronously through OnEvent.
type Options struct {
	// TaskID names the run in every emitted event.
	TaskID string

	// WorkDir is the working directory for the agent process and the base
	// for fileWrite path relativization.
	WorkDir string

	// Prompt is the fully built instruction text. Prompt construction is a
	// caller concern; it arrives here as plain data.
	Prompt string

	// Model selects the backend model, when the backend supports one.
	Model string

	// Command overrides the backend's default executable.
	Command string

	// AllowWrite enables the backend's write-permission flag.
	AllowWrite bool

	// Reasoning sets the backend's reasoning effort, when supported.
	Reasoning string

	// OutputFormat overrides the backend's default raw-output mode.
	OutputFormat stream.Mode

	// SilenceTimeout overrides DefaultSilenceTimeout when positive; a
	// negative value disables the watchdog.
	SilenceTimeout time.Duration

	// Clock substitutes time for deterministic tests. Nil means wall clock.
	Clock clock.Clock

	// OnEvent receives the run's canonical event stream.
	OnEvent events.Callback
}

// Provider runs one specific agent backend.
type Provider interface {
	// ID is the stable backend identifier (also the started event label).
	ID() string

	// DisplayName is the human-readable backend name.
	DisplayName() string

	// Run spawns a process for the given options and returns a cancellable
	// handle immediately. A synchronous spawn failure is returned as an
	// error with no partial handle and no events emitted.
	Run(opts Options) (*Handle, error)
}

// Factory creates a Provider instance.
type Factory func() Provider

var registry = map[Kind]Factory{}

// Register adds a backend kind. External code can register additional
// backends beyond the built-in ones.
func Register(kind Kind, factory Factory) {
	registry[kind] = factory
}

func init() {
	Register(KindClaude, func() Provider { return newBackend(claudeSpec()) })
	Register(KindCodex, func() Provider { return newBackend(codexSpec()) })
	Register(KindGeneric, func() Provider { return newBackend(genericSpec()) })
}

// New creates a provider of the given kind.
func New(kind Kind) (Provider, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown provider kind: %s (registered: %v)", kind, RegisteredKinds())
	}
	return factory(), nil
}

// RegisteredKinds returns all registered backend kinds, sorted.
func RegisteredKinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// backendSpec captures backend-specific invocation behavior; everything
// else is shared session logic.
type backendSpec struct {
	id             string
	displayName    string
	defaultBinary  string
	outputMode     stream.Mode
	promptViaStdin bool
	buildArgs      func(opts Options) []string
}

func (s backendSpec) binary(opts Options) string {
	if opts.Command != "" {
		return opts.Command
	}
	return s.defaultBinary
}
