//go:build !windows

package sandbox

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// shellArgv wraps a script for the platform shell.
func shellArgv(script string) []string {
	return []string{"sh", "-c", script}
}

// commandContext starts argv in its own process group so cancellation
// kills every descendant, not just the shell.
func commandContext(ctx context.Context, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}
