//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group led by p. A group that is
// already gone is not an error.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	if err := unix.Kill(-p.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func terminateGroup(p *os.Process) error { return signalGroup(p, unix.SIGTERM) }
func killGroup(p *os.Process) error      { return signalGroup(p, unix.SIGKILL) }

func exitStatus(state *os.ProcessState) (*int, string) {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return nil, unix.SignalName(unix.Signal(ws.Signal()))
	}
	code := state.ExitCode()
	return &code, ""
}
