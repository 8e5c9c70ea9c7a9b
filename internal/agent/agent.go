// Package agent locates the coding agent binary and builds its command line.
package agent

import (
	"errors"
	"os/exec"
	"strings"
)

// ErrBinaryNotFound is returned when the agent binary cannot be resolved.
var ErrBinaryNotFound = errors.New("agent binary not found")

// Capability is the result of probing for the agent binary at boot.
type Capability struct {
	Binary    string `json:"binary"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
}

// Probe resolves binary on PATH (or as a path) and reports whether it is usable.
func Probe(binary string) Capability {
	if binary == "" {
		binary = DefaultBinary
	}
	c := Capability{Binary: binary}
	path, err := exec.LookPath(binary)
	if err != nil {
		return c
	}
	c.Path = path
	c.Available = true
	return c
}

// DefaultBinary is the agent looked up when none is configured.
const DefaultBinary = "claude"

// Invocation builds agent argument lists.
type Invocation struct {
	Model     string
	ExtraArgs []string
}

// Args returns the argument list for one turn. A non-empty resumeHandle
// continues that conversation instead of starting a new one.
func (inv Invocation) Args(prompt, resumeHandle string) []string {
	args := []string{
		"--print",
		"--verbose", // stream-json requires it
		"--output-format", "stream-json",
	}
	if resumeHandle != "" {
		args = append(args, "--resume", resumeHandle)
	}
	if m := strings.TrimSpace(inv.Model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, "-p", prompt)
}
