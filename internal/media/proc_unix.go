//go:build unix

package media

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation SIGTERM the whole ffmpeg process group.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
