//go:build unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup starts the command as leader of a new process group so
// helpers spawned by the tool are terminated with it.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		// Negative PID addresses the whole group
		pid = -pid
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// terminate sends SIGTERM, waits up to grace for waitCh and then sends SIGKILL.
// It always drains waitCh and returns its error.
func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	_ = signalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		_ = signalGroup(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}
