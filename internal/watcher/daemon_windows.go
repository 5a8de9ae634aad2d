//go:build windows

package watcher

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// detachFromTerminal starts the daemon in its own process group so it
// does not receive the console's ctrl events.
func detachFromTerminal(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// stopGracefully has no SIGTERM equivalent on Windows; Kill is the
// only portable stop, so graceful and forceful collapse into one.
func stopGracefully(pid int) error {
	return stopForcefully(pid)
}

func stopForcefully(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// pidAlive opens a query handle to the pid; a process that cannot be
// opened for limited query no longer exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = windows.CloseHandle(h)
	return true
}
