//go:build unix

package execlocal

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalName returns the name of the signal that terminated the process
// (e.g. "SIGKILL"), or empty if it exited normally.
func signalName(exitErr *exec.ExitError) string {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return ""
	}
	return unix.SignalName(status.Signal())
}
