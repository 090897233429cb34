// Package pidfile guards against a second uloggerd instance writing to the
// same position store.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile represents the daemon's PID file.
type PIDFile struct {
	path string
	pid  int
}

// New creates a PIDFile instance for the current process.
func New(path string) *PIDFile {
	return &PIDFile{
		path: path,
		pid:  os.Getpid(),
	}
}

// Create writes the PID file, removing a stale one left by a dead process.
func (p *PIDFile) Create() error {
	if running, existing, err := p.CheckRunning(); err != nil {
		return err
	} else if running {
		return fmt.Errorf("daemon already running with PID %d", existing)
	} else if existing != 0 {
		if err := os.Remove(p.path); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", p.pid)), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if it still belongs to this process.
func (p *PIDFile) Remove() error {
	existing, err := p.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return os.Remove(p.path)
	}
	if existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	return os.Remove(p.path)
}

// ForceRemove deletes the PID file regardless of ownership.
func (p *PIDFile) ForceRemove() error {
	return os.Remove(p.path)
}

// CheckRunning reports whether another instance holds the PID file. The
// returned pid is non-zero whenever a file was present, alive or stale.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existing, err := p.read()
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return processAlive(existing), existing, nil
}

// Path returns the PID file location.
func (p *PIDFile) Path() string {
	return p.path
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
