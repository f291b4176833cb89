package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/testherd/testherd/internal/config"
	"github.com/testherd/testherd/internal/execlocal"
)

// execCommand runs a verification command directly (no agent) and prints
// the structured result. The process exit code mirrors the command's.
func execCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("testherd exec", flag.ContinueOnError)
	workDir := fs.String("workdir", "", "Working directory for the command")
	byteCap := fs.Int("byte-cap", cfg.ByteCap(), "Per-stream capture cap in bytes")
	var envFlags envList
	fs.Var(&envFlags, "env", "Extra KEY=VALUE environment entry (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	command := fs.Args()
	if len(command) == 0 {
		return fmt.Errorf("no command given (usage: testherd exec [flags] -- <command> [args...])")
	}

	result := execlocal.Run(ctx, execlocal.Spec{
		Command: command,
		WorkDir: *workDir,
		Env:     envFlags.values,
		ByteCap: *byteCap,
	})
	if err := printResult(os.Stdout, result); err != nil {
		return err
	}
	if result.ExitCode != nil && *result.ExitCode != 0 {
		os.Exit(*result.ExitCode)
	}
	return nil
}

// envList collects repeated -env KEY=VALUE flags.
type envList struct {
	values map[string]string
}

func (e *envList) String() string {
	parts := make([]string, 0, len(e.values))
	for k, v := range e.values {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (e *envList) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("invalid env entry %q, want KEY=VALUE", value)
	}
	if e.values == nil {
		e.values = make(map[string]string)
	}
	e.values[key] = val
	return nil
}
