//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the engine in its own process group so a
// terminal interrupt aimed at the supervisor does not reach it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
