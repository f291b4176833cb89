// Package cmd implements the CLI command structure for testherd.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/testherd/testherd/internal/config"
	"github.com/testherd/testherd/internal/provider"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Run executes the testherd CLI.
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("testherd", flag.ContinueOnError)
	fs.Usage = func() {
		printUsage(fs, os.Stderr)
	}
	help := fs.Bool("help", false, "Show help")
	fs.BoolVar(help, "h", false, "Show help")
	showVersion := fs.Bool("version", false, "Show version")
	fs.BoolVar(showVersion, "v", false, "Show version")

	cfg, err := config.Load(fs, args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *help {
		printUsage(fs, os.Stdout)
		return nil
	}
	if *showVersion {
		return versionCommand()
	}

	subcommand := "run"
	remainingArgs := fs.Args()
	if len(remainingArgs) > 0 && !strings.HasPrefix(remainingArgs[0], "-") {
		subcommand = remainingArgs[0]
		remainingArgs = remainingArgs[1:]
	}

	switch subcommand {
	case "run":
		return runCommand(ctx, cfg, remainingArgs)
	case "exec":
		return execCommand(ctx, cfg, remainingArgs)
	case "doctor":
		return doctorCommand(cfg, remainingArgs)
	case "version":
		return versionCommand()
	case "help":
		printUsage(fs, os.Stdout)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcommand)
		printUsage(fs, os.Stderr)
		return fmt.Errorf("unknown command: %s", subcommand)
	}
}

func versionCommand() error {
	fmt.Printf("testherd %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	return nil
}

// doctorCommand checks that configured provider binaries resolve and are
// executable.
func doctorCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("testherd doctor", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	failed := false
	for _, kind := range provider.RegisteredKinds() {
		settings := cfg.ProviderSettings(kind)
		if kind == string(provider.KindGeneric) && settings.Binary == "" {
			fmt.Printf("  %-8s skipped (no binary configured)\n", kind)
			continue
		}
		path, err := provider.FindBinary(provider.Kind(kind), settings.Binary)
		if err != nil {
			fmt.Printf("  %-8s MISSING: %v\n", kind, err)
			failed = true
			continue
		}
		if err := provider.ValidateBinary(path); err != nil {
			fmt.Printf("  %-8s INVALID: %v\n", kind, err)
			failed = true
			continue
		}
		fmt.Printf("  %-8s ok (%s)\n", kind, path)
	}
	if failed {
		return fmt.Errorf("one or more provider binaries are unavailable")
	}
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `testherd - orchestrates agent processes for test generation

Usage:
  testherd [flags] <command> [command flags]

Commands:
  run      Run an agent with a prompt and stream its events (default)
  exec     Run a verification command directly and print its result
  doctor   Check that provider binaries are available
  version  Show version

Global flags:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
