//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// signalGroup approximates group signalling on Windows: only termination is
// supported, and it is always forceful.
func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == 0 {
		return nil
	}
	return p.Kill()
}

func exitStatus(ee *exec.ExitError) int { return ee.ExitCode() }
