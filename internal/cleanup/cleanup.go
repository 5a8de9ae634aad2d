// Package cleanup guarantees no assistant subprocess, or any MCP tool
// process it spawns, outlives its queue item.
//
// The child is always launched as the leader of a fresh process group
// (Prepare), so a single signal to the negative pid reaches every
// descendant that didn't detach itself.
package cleanup

import (
	"log/slog"
	"os/exec"
	"time"

	"github.com/remyolson/clodputer/internal/logging"
)

// DefaultGraceWindow is the wait between the graceful stop signal and
// the forceful kill.
const DefaultGraceWindow = 5 * time.Second

// DefaultSampleInterval is how often the running item's child PIDs are
// resampled during a task's execution.
const DefaultSampleInterval = 10 * time.Second

// DefaultToolAllowlist names the assistant's known MCP tool binaries
// targeted by the orphan sweep. Deliberately small; user-overridable
// via the cleanup config's tool_allowlist.
var DefaultToolAllowlist = []string{
	"mcp-server",
	"claude-mcp",
}

// Cleaner terminates a task's process tree and sweeps orphans.
type Cleaner struct {
	GraceWindow time.Duration
	Allowlist   []string
	log         *slog.Logger
}

// New returns a Cleaner with the given grace window and orphan-sweep
// allow-list; zero values fall back to the package defaults.
func New(graceWindow time.Duration, allowlist []string) *Cleaner {
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	if allowlist == nil {
		allowlist = DefaultToolAllowlist
	}
	return &Cleaner{
		GraceWindow: graceWindow,
		Allowlist:   allowlist,
		log:         logging.WithComponent("cleanup"),
	}
}

// Prepare configures cmd to start as the leader of a new process
// group, so Terminate can later signal the whole tree at once. Must be
// called before cmd.Start().
func (c *Cleaner) Prepare(cmd *exec.Cmd) {
	setSysProcAttr(cmd)
}

// Terminate runs the two-phase stop sequence: a graceful signal to
// the process group, a grace window, then a forceful signal to any
// survivor. Idempotent: terminating an already-dead group is
// tolerated and logged at debug level.
func (c *Cleaner) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}

	if !groupAlive(pid) {
		c.log.Debug("process group already gone", slog.Int("pid", pid))
		return nil
	}

	if err := signalGroup(pid, gracefulSignal()); err != nil {
		c.log.Debug("graceful signal failed, group likely already gone",
			slog.Int("pid", pid), slog.Any("error", err))
	}

	deadline := time.Now().Add(c.GraceWindow)
	for time.Now().Before(deadline) && groupAlive(pid) {
		time.Sleep(25 * time.Millisecond)
	}

	if groupAlive(pid) {
		c.log.Warn("process group survived grace window, sending forceful signal",
			slog.Int("pid", pid), slog.Duration("grace_window", c.GraceWindow))
		if err := signalGroup(pid, forcefulSignal()); err != nil {
			c.log.Debug("forceful signal failed, group likely already gone",
				slog.Int("pid", pid), slog.Any("error", err))
		}
	}

	return nil
}

// SweepOrphans scans live processes for any whose executable name
// matches the allow-list but whose parent is no longer alive, and
// terminates them. Returns the pids it killed.
func (c *Cleaner) SweepOrphans() []int {
	killed := sweepOrphans(c.Allowlist, c.log)
	return killed
}

// SamplePIDs returns pid and its live descendants, best-effort, for
// recording in running.child_pids.
func SamplePIDs(pid int) []int {
	return sampleDescendants(pid)
}
