//go:build !unix

package runner

import (
	"os/exec"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return <-waitCh
}
