//go:build windows
// +build windows

package executor

import (
	"context"
	"os/exec"
)

const shellName = "cmd"

// shellCommand runs command through cmd.exe
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", command)
}
