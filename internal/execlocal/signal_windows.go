//go:build windows

package execlocal

import "os/exec"

// signalName reports no signal on Windows; termination shows up as an exit
// code instead.
func signalName(*exec.ExitError) string {
	return ""
}
