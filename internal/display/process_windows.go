//go:build windows
// +build windows

package display

import "os/exec"

// configureProcessGroup is a no-op on Windows; virtual X displays are a
// Unix-only concern, but the package still builds on Windows so the rest
// of the module's Windows target keeps compiling.
func configureProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
