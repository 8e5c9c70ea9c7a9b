//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detachServer is a no-op; Windows has no Setsid equivalent.
func detachServer(_ *exec.Cmd) {}

// shutdownSignals are the signals that stop a foreground server.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM and sigKILL both end up as TerminateProcess on Windows.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
