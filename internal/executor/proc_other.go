//go:build !unix

package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Without process groups only the leader can be signalled.

func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitSignal(state *os.ProcessState) string {
	return ""
}

func signalName(n int) string {
	return fmt.Sprintf("signal %d", n)
}
