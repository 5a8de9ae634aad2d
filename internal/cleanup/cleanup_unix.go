//go:build !windows

package cleanup

import (
	"log/slog"
	"os/exec"
	"syscall"
)

// setSysProcAttr makes cmd the leader of a new process group so its
// pid can be negated to signal the whole group at once.
func setSysProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func gracefulSignal() syscall.Signal { return syscall.SIGTERM }
func forcefulSignal() syscall.Signal { return syscall.SIGKILL }

// signalGroup sends sig to the process group led by pid by signalling
// the negative pid, per setpgid(2)/kill(2) convention.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// groupAlive reports whether any process in pid's group still
// responds to the null signal.
func groupAlive(pid int) bool {
	err := syscall.Kill(-pid, syscall.Signal(0))
	return err == nil
}

// sampleDescendants walks /proc to find live descendants of pid,
// including pid itself if alive. Best-effort: a read error for any
// single process entry is skipped rather than aborting the sample.
func sampleDescendants(pid int) []int {
	return procDescendants(pid)
}

// sweepOrphans scans /proc for processes whose command name matches
// allowlist and whose parent pid is 1 or otherwise not alive,
// terminating them.
func sweepOrphans(allowlist []string, log *slog.Logger) []int {
	return procSweepOrphans(allowlist, log)
}
