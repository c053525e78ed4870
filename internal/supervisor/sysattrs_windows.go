//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr creates a new process group so console control
// events do not propagate from the parent.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// Windows has no SIGTERM; both escalation steps terminate the process.
func terminateProcess(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func killProcess(pid int) {
	terminateProcess(pid)
}

func exitSignal(_ *os.ProcessState) string { return "" }
