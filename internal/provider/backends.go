package provider

import "github.com/testherd/testherd/internal/stream"

// claudeSpec invokes the claude CLI in stream-json mode. The prompt is
// passed as an argument; write access rides on the permissions flag.
func claudeSpec() backendSpec {
	return backendSpec{
		id:            "claude",
		displayName:   "Claude",
		defaultBinary: "claude",
		outputMode:    stream.ModeStream,
		buildArgs: func(opts Options) []string {
			args := []string{"--output-format", "stream-json", "--verbose"}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			if opts.AllowWrite {
				args = append(args, "--dangerously-skip-permissions")
			}
			return append(args, "-p", opts.Prompt)
		},
	}
}

// codexSpec invokes the codex CLI in JSON exec mode. The prompt goes over
// stdin, signalled by the trailing "-" argument.
func codexSpec() backendSpec {
	return backendSpec{
		id:             "codex",
		displayName:    "Codex",
		defaultBinary:  "codex",
		outputMode:     stream.ModeStream,
		promptViaStdin: true,
		buildArgs: func(opts Options) []string {
			args := []string{"exec", "--json"}
			if opts.Model != "" {
				args = append(args, "-m", opts.Model)
			}
			if opts.Reasoning != "" {
				args = append(args, "-c", "model_reasoning_effort="+opts.Reasoning)
			}
			if opts.AllowWrite {
				args = append(args, "-s", "workspace-write")
			}
			return append(args, "-")
		},
	}
}

// genericSpec runs an arbitrary line-oriented binary named via the command
// override, feeding the prompt over stdin and treating output as plain text.
func genericSpec() backendSpec {
	return backendSpec{
		id:             "generic",
		displayName:    "Generic Agent",
		defaultBinary:  "",
		outputMode:     stream.ModeText,
		promptViaStdin: true,
		buildArgs: func(opts Options) []string {
			return nil
		},
	}
}
