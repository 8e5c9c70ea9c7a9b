package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live server owns the PID file.
var ErrAlreadyRunning = errors.New("server already running")

// State is what a running prdash server records about itself.
type State struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
}

// URL returns the base URL clients should use to reach the server.
func (s State) URL() string {
	host := s.Addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host
}

// PIDFile manages the server state file used by `serve stop` and `serve status`.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire records the current process as the server listening on addr.
// A stale file left by a dead process is replaced.
func (p *PIDFile) Acquire(addr string) error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return p.Write(State{PID: os.Getpid(), Addr: addr, StartedAt: time.Now().UTC()})
}

// Write stores st, creating the parent directory if needed.
func (p *PIDFile) Write(st State) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// Read loads the recorded state. A bare PID from an older file is accepted.
func (p *PIDFile) Read() (State, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return State{}, err
	}
	trimmed := strings.TrimSpace(string(data))
	if pid, err := strconv.Atoi(trimmed); err == nil {
		return State{PID: pid}, nil
	}
	var st State
	if err := json.Unmarshal([]byte(trimmed), &st); err != nil {
		return State{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	if st.PID <= 0 {
		return State{}, fmt.Errorf("invalid PID file content: pid %d", st.PID)
	}
	return st, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Release removes the file only if it still names the current process.
func (p *PIDFile) Release() error {
	st, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if st.PID != os.Getpid() {
		return nil
	}
	return p.Remove()
}
