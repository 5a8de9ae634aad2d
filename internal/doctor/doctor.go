// Package doctor aggregates a point-in-time diagnostics report across
// the queue lock, recent outcomes, watcher trigger liveness, and cron
// block drift — the surface behind the `doctor` CLI command.
// `install --dry-run` does not use it; it calls the cron manager's
// Diagnose directly.
package doctor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/remyolson/clodputer/internal/cron"
	"github.com/remyolson/clodputer/internal/queue"
)

// LockStatus reports whether the queue lockfile names a live process.
type LockStatus struct {
	Path  string
	Held  bool
	PID   int
	Stale bool // a pid file exists but names a dead process
}

// TriggerStatus reports one watch trigger's liveness.
type TriggerStatus struct {
	TaskName   string
	Path       string
	PathExists bool
}

// Report is the full diagnostics snapshot.
type Report struct {
	Lock          LockStatus
	RecentOutcome []queue.CompletedEntry
	Triggers      []TriggerStatus
	Cron          cron.Report
}

// CheckLock inspects the lockfile at path without acquiring it.
func CheckLock(path string) LockStatus {
	status := LockStatus{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return status
	}

	pid, ok := parsePID(data)
	if !ok {
		status.Stale = true
		return status
	}
	status.PID = pid

	if pidAlive(pid) {
		status.Held = true
	} else {
		status.Stale = true
	}
	return status
}

// CheckTriggers reports, for each configured watch trigger, whether
// its target directory currently exists.
func CheckTriggers(triggers []TriggerStatus) []TriggerStatus {
	out := make([]TriggerStatus, len(triggers))
	for i, tr := range triggers {
		info, err := os.Stat(tr.Path)
		tr.PathExists = err == nil && info.IsDir()
		out[i] = tr
	}
	return out
}

// Build assembles the full Report. recentLimit bounds how many of the
// queue's completed_recent entries are surfaced (0 = all).
func Build(ctx context.Context, lockPath string, store *queue.Store, triggers []TriggerStatus, cronMgr *cron.Manager, schedules []cron.TaskSchedule, recentLimit int) (Report, error) {
	report := Report{
		Lock:     CheckLock(lockPath),
		Triggers: CheckTriggers(triggers),
	}

	if store != nil {
		recent := store.Snapshot().CompletedRecent
		if recentLimit > 0 && len(recent) > recentLimit {
			recent = recent[len(recent)-recentLimit:]
		}
		report.RecentOutcome = recent
	}

	if cronMgr != nil {
		cronReport, err := cronMgr.Diagnose(ctx, schedules)
		if err != nil {
			return report, err
		}
		report.Cron = cronReport
	}

	return report, nil
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
