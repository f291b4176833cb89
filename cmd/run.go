package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testherd/testherd/internal/config"
	"github.com/testherd/testherd/internal/events"
	"github.com/testherd/testherd/internal/execresult"
	"github.com/testherd/testherd/internal/logging"
	"github.com/testherd/testherd/internal/provider"
	"github.com/testherd/testherd/internal/registry"
	"github.com/testherd/testherd/internal/stream"
)

// runCommand spawns one provider run, streams its events to the console and
// the run log, tracks it in a registry, and finishes by extracting an
// execution result from the accumulated log output.
func runCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("testherd run", flag.ContinueOnError)
	taskID := fs.String("task", "", "Task id (generated when empty)")
	promptArg := fs.String("prompt", "", "Prompt text")
	promptFile := fs.String("prompt-file", "", "Read the prompt from a file")
	model := fs.String("model", "", "Model override")
	command := fs.String("command", "", "Executable override")
	reasoning := fs.String("reasoning", "", "Reasoning effort (codex)")
	allowWrite := fs.Bool("allow-write", false, "Let the agent write files")
	outputFormat := fs.String("output-format", "", "Raw output format (text|stream-json)")
	workDir := fs.String("workdir", "", "Working directory for the agent")
	noLogFile := fs.Bool("no-log-file", false, "Disable the JSONL run log")

	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt, err := resolvePrompt(*promptArg, *promptFile)
	if err != nil {
		return err
	}
	id := *taskID
	if id == "" {
		id = uuid.NewString()
	}

	settings := cfg.ProviderSettings(cfg.Provider)
	prov, err := provider.New(provider.Kind(cfg.Provider))
	if err != nil {
		return err
	}

	console := logging.NewConsoleSink(os.Stderr, consoleOptions(cfg))
	var runLog *logging.RunLogger
	if !*noLogFile {
		runLog, err = logging.NewRunLogger(cfg.LogDir)
		if err != nil {
			return err
		}
		defer runLog.Close()
	}

	reg := registry.New()
	var captured strings.Builder
	var capturedMu sync.Mutex

	onEvent := func(ev events.Event) {
		console.Event(ev)
		if runLog != nil {
			_ = runLog.Event(ev)
		}
		switch ev.Type {
		case events.TypePhase:
			reg.UpdatePhase(ev.TaskID, string(ev.Phase), ev.PhaseLabel)
		case events.TypeCompleted:
			reg.Unregister(ev.TaskID)
		case events.TypeLog:
			capturedMu.Lock()
			captured.WriteString(ev.Message)
			captured.WriteByte('\n')
			capturedMu.Unlock()
		}
	}

	binary := *command
	if binary == "" {
		binary = settings.Binary
	}
	modelName := *model
	if modelName == "" {
		modelName = settings.Model
	}
	effort := *reasoning
	if effort == "" {
		effort = settings.Reasoning
	}

	started := time.Now()
	handle, err := prov.Run(provider.Options{
		TaskID:         id,
		WorkDir:        *workDir,
		Prompt:         prompt,
		Model:          modelName,
		Command:        binary,
		AllowWrite:     *allowWrite || settings.AllowWrite,
		Reasoning:      effort,
		OutputFormat:   stream.Mode(*outputFormat),
		SilenceTimeout: cfg.SilenceTimeout(),
		OnEvent:        onEvent,
	})
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	reg.Register(id, prov.ID(), handle)

	select {
	case <-ctx.Done():
		reg.CancelAll()
		<-handle.Done()
	case <-handle.Done():
	}
	measured := time.Since(started)

	capturedMu.Lock()
	output := captured.String()
	capturedMu.Unlock()

	result := execresult.Extract(output, measured)
	return printResult(os.Stdout, result)
}

func resolvePrompt(promptArg, promptFile string) (string, error) {
	if promptArg != "" {
		return promptArg, nil
	}
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("reading prompt file: %w", err)
		}
		return string(data), nil
	}
	// Fall back to stdin when it is piped.
	if info, err := os.Stdin.Stat(); err == nil && info.Mode()&os.ModeCharDevice == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		if len(data) > 0 {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("no prompt given (use -prompt, -prompt-file, or pipe stdin)")
}

func consoleOptions(cfg *config.Config) logging.ConsoleOptions {
	opts := logging.DefaultConsoleOptions()
	opts.Level = logging.ParseLevel(cfg.LogLevel)
	return opts
}

func printResult(w io.Writer, result execresult.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
