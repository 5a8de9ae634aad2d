//go:build !windows && !linux

package cleanup

import "log/slog"

// procDescendants has no /proc-free portable implementation; on
// platforms without /proc (darwin, bsd) we fall back to reporting only
// the root pid itself. Group-wide signalling still works via
// signalGroup, which is what Terminate actually relies on; this
// affects only the informational running.child_pids sample.
func procDescendants(root int) []int {
	return []int{root}
}

// procSweepOrphans is a no-op where we have no portable way to walk
// the process table; the process-group kill in Terminate remains the
// primary defense against leaked children on these platforms.
func procSweepOrphans(allowlist []string, log *slog.Logger) []int {
	return nil
}
