//go:build windows

package sandbox

import (
	"context"
	"os/exec"
	"time"
)

// shellArgv wraps a script for the platform shell.
func shellArgv(script string) []string {
	return []string{"cmd", "/c", script}
}

// commandContext returns the command for Windows. Process groups are not
// available, so cancellation kills only the direct child.
func commandContext(ctx context.Context, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = 2 * time.Second
	return cmd
}
