//go:build linux || darwin

package worker

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the renderer in its own process group so the
// whole tree (the renderer forks helpers) can be signaled together.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree terminates the renderer and its children. SIGTERM first
// so the renderer can flush partial files, SIGKILL shortly after.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(3*time.Second, func() {
		syscall.Kill(-pgid, syscall.SIGKILL)
	})
}
