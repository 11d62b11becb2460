//go:build !linux && !darwin

package worker

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

// killProcessTree kills the renderer process. Windows has no process
// groups in the POSIX sense; Kill takes the whole job object down because
// the renderer's children die with their console.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
}
