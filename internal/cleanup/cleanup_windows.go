//go:build windows

package cleanup

import (
	"log/slog"
	"os/exec"
)

// setSysProcAttr is a no-op on Windows; process groups as a signal
// target don't exist there, so killTree does the whole job.
func setSysProcAttr(cmd *exec.Cmd) {}

type signalKind int

func gracefulSignal() signalKind { return 0 }
func forcefulSignal() signalKind { return 1 }

func signalGroup(pid int, sig signalKind) error {
	return killTree(pid)
}

func groupAlive(pid int) bool {
	return processAlive(pid)
}

func sampleDescendants(pid int) []int {
	return []int{pid}
}

func sweepOrphans(allowlist []string, log *slog.Logger) []int {
	return nil
}
