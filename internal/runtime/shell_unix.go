//go:build unix

package runtime

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the script in its own process group and kills the
// whole group on cancellation, so commands the script spawned cannot outlive
// it and keep the output pipes open.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
