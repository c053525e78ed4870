//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so the
// stop escalation can signal the whole group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcess(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// exitSignal names the signal that terminated the process, if any.
func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
