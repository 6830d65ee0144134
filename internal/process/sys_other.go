//go:build !unix

package process

import (
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func prepareGroup(cmd *exec.Cmd) {}

func startPTY(cmd *exec.Cmd) (*os.File, error) { return nil, ErrNoPTY }

// Without process groups both signals fall back to killing the direct child.
func signalGroup(cmd *exec.Cmd, _ signal) error {
	if cmd == nil || cmd.Process == nil {
		return ErrNotRunning
	}
	return cmd.Process.Kill()
}

func signalName(ps *os.ProcessState) string { return "" }
