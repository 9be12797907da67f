//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// DetachSysProcAttr starts a child in its own session so it outlives the
// launching terminal.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// IsRunning checks if a process with the given PID is still alive.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// StopProcess sends SIGTERM, waits up to timeout for exit, then SIGKILL.
func StopProcess(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}
	if waitExit(pid, timeout) {
		return nil
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("send SIGKILL: %w", err)
	}
	return nil
}
