// Package daemon provides file locations and process helpers for running the
// client as a background process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Paths locates the files kept in the data directory.
type Paths struct {
	Dir string
}

// DefaultDir returns the default data directory (~/.tether/).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return filepath.Join(home, ".tether")
}

// Resolve returns the paths rooted at dir, or at DefaultDir when dir is empty.
func Resolve(dir string) Paths {
	if dir == "" {
		dir = DefaultDir()
	}
	return Paths{Dir: dir}
}

// PID returns the path to the PID file.
func (p Paths) PID() string { return filepath.Join(p.Dir, "tether.pid") }

// Log returns the path to the log file.
func (p Paths) Log() string { return filepath.Join(p.Dir, "tether.log") }

// Socket returns the path to the IPC Unix socket.
func (p Paths) Socket() string { return filepath.Join(p.Dir, "tether.sock") }

// DB returns the path of the default SQLite session store.
func (p Paths) DB() string { return filepath.Join(p.Dir, "session.db") }

// Ensure creates the data directory.
func (p Paths) Ensure() error {
	if err := os.MkdirAll(p.Dir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// WritePID writes the given PID to the PID file.
func (p Paths) WritePID(pid int) error {
	if err := p.Ensure(); err != nil {
		return err
	}
	return os.WriteFile(p.PID(), []byte(strconv.Itoa(pid)+"\n"), 0600)
}

// ReadPID reads the PID from the PID file. Returns 0 if the file doesn't exist.
func (p Paths) ReadPID() (int, error) {
	data, err := os.ReadFile(p.PID())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// RemovePID removes the PID file.
func (p Paths) RemovePID() error {
	err := os.Remove(p.PID())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OpenLogFile opens or creates the log file for appending.
func (p Paths) OpenLogFile() (*os.File, error) {
	if err := p.Ensure(); err != nil {
		return nil, err
	}
	return os.OpenFile(p.Log(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// waitExit polls until pid exits or timeout elapses. It reports whether the
// process is gone.
func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return !IsRunning(pid)
}
