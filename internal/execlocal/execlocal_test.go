package execlocal

import (
	"context"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testherd/testherd/internal/execresult"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func sh(script string) []string {
	return []string{"sh", "-c", script}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	skipOnWindows(t)

	result := Run(context.Background(), Spec{Command: sh("echo out; echo err >&2")})

	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
	assert.False(t, result.StdoutTruncated)
	assert.False(t, result.StderrTruncated)
	assert.Equal(t, execresult.RunnerDirect, result.Runner)
	assert.Empty(t, result.ErrorMessage)
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)

	result := Run(context.Background(), Spec{Command: sh("exit 3")})

	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.Empty(t, result.ErrorMessage)
}

func TestRunOutputExactlyAtCapIsNotTruncated(t *testing.T) {
	skipOnWindows(t)

	result := Run(context.Background(), Spec{
		Command: sh("printf abcdefgh"),
		ByteCap: 8,
	})

	assert.Equal(t, "abcdefgh", result.Stdout)
	assert.False(t, result.StdoutTruncated)
}

func TestRunOutputOneByteOverCapIsTruncated(t *testing.T) {
	skipOnWindows(t)

	result := Run(context.Background(), Spec{
		Command: sh("printf abcdefghi"),
		ByteCap: 8,
	})

	assert.True(t, result.StdoutTruncated)
	assert.Equal(t, "abcdefgh"+StdoutTruncatedMarker, result.Stdout)
	// stderr produced nothing and stays untouched.
	assert.False(t, result.StderrTruncated)
	assert.Empty(t, result.Stderr)
}

func TestRunStreamsTruncateIndependently(t *testing.T) {
	skipOnWindows(t)

	result := Run(context.Background(), Spec{
		Command: sh("printf aaaa; printf bbbbbbbbbbbb >&2"),
		ByteCap: 8,
	})

	assert.False(t, result.StdoutTruncated)
	assert.Equal(t, "aaaa", result.Stdout)
	assert.True(t, result.StderrTruncated)
	assert.Equal(t, "bbbbbbbb"+StderrTruncatedMarker, result.Stderr)
}

func TestRunEnvOverridesInherited(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("TESTHERD_TEST_VAR", "inherited")

	result := Run(context.Background(), Spec{
		Command: sh(`printf "%s" "$TESTHERD_TEST_VAR"`),
		Env:     map[string]string{"TESTHERD_TEST_VAR": "overridden"},
	})

	assert.Equal(t, "overridden", result.Stdout)
}

func TestRunMissingCommand(t *testing.T) {
	result := Run(context.Background(), Spec{Command: []string{"definitely-not-a-real-binary-xyz"}})

	require.NotNil(t, result.ExitCode)
	assert.Equal(t, -1, *result.ExitCode)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestRunEmptyCommand(t *testing.T) {
	result := Run(context.Background(), Spec{})

	require.NotNil(t, result.ExitCode)
	assert.Equal(t, -1, *result.ExitCode)
	assert.Equal(t, "no command given", result.ErrorMessage)
}

func TestRunKilledBySignalReportsName(t *testing.T) {
	skipOnWindows(t)

	result := Run(context.Background(), Spec{Command: sh("kill -KILL $$")})

	assert.Nil(t, result.ExitCode, "signal death carries no exit code")
	require.NotNil(t, result.Signal)
	assert.Equal(t, "SIGKILL", *result.Signal)
}

func TestMergeEnvKeepsUnrelatedEntries(t *testing.T) {
	merged := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3"})

	joined := strings.Join(merged, " ")
	assert.Contains(t, joined, "A=1")
	assert.Contains(t, joined, "B=3")
	assert.NotContains(t, joined, "B=2")
}
