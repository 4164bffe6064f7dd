//go:build !windows
// +build !windows

package executor

import (
	"context"
	"os/exec"
)

const shellName = "sh"

// shellCommand runs command through the POSIX shell
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
