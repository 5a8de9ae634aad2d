package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remyolson/clodputer/internal/cron"
	"github.com/remyolson/clodputer/internal/doctor"
	"github.com/remyolson/clodputer/internal/engine"
	"github.com/remyolson/clodputer/internal/eventlog"
	"github.com/remyolson/clodputer/internal/logging"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
	"github.com/remyolson/clodputer/internal/watcher"
)

// interruptContext returns a ctx cancelled on INT/TERM plus a check
// for whether a signal was the cause, so commands can exit 130.
func interruptContext() (context.Context, context.CancelFunc, func() bool) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	interrupted := func() bool { return ctx.Err() != nil }
	return ctx, cancel, interrupted
}

func newRunCmd(cfgFile *string) *cobra.Command {
	var priority string
	var enqueueOnly bool

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Enqueue a task and execute the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			eng, err := a.buildEngine()
			if err != nil {
				return withExitCode(2, err)
			}

			item, err := eng.Enqueue(args[0], task.Priority(priority), queue.SourceManual, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (item %d)\n", item.TaskName, item.ID)

			if enqueueOnly {
				return nil
			}

			ctx, cancel, interrupted := interruptContext()
			defer cancel()

			if err := eng.Drain(ctx); err != nil {
				if err == queue.ErrLockHeld {
					return withExitCode(2, fmt.Errorf("another engine is already running"))
				}
				return withExitCode(2, err)
			}
			if interrupted() {
				return withExitCode(130, fmt.Errorf("interrupted"))
			}

			recent := eng.Queue.Snapshot().CompletedRecent
			if len(recent) > 0 {
				last := recent[len(recent)-1]
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%.1fs)\n", last.TaskName, last.Status, last.Duration.Seconds())
				if last.Status != queue.OutcomeSuccess {
					return withExitCode(2, fmt.Errorf("task %s ended with status %s", last.TaskName, last.Status))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "queue priority (normal|high)")
	cmd.Flags().BoolVar(&enqueueOnly, "enqueue-only", false, "enqueue without executing")
	return cmd
}

func newQueueCmd(cfgFile *string) *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show or clear the pending queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			eng, err := a.buildEngine()
			if err != nil {
				return withExitCode(2, err)
			}

			if clear {
				if err := eng.Queue.ClearPending(); err != nil {
					return withExitCode(2, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "pending queue cleared")
				return nil
			}

			snap := eng.Queue.Snapshot()
			out := cmd.OutOrStdout()
			if snap.Running != nil {
				fmt.Fprintf(out, "running: %s (item %d, started %s)\n",
					snap.Running.Item.TaskName, snap.Running.Item.ID,
					snap.Running.StartedAt.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "running: none")
			}
			fmt.Fprintf(out, "pending: %d\n", len(snap.Pending))
			for _, item := range snap.Pending {
				fmt.Fprintf(out, "  %4d  %-8s %-6s %s\n", item.ID, item.Priority, item.Source, item.TaskName)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "drop all pending items")
	return cmd
}

func newStatusCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize engine, queue, and watcher state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			eng, err := a.buildEngine()
			if err != nil {
				return withExitCode(2, err)
			}

			out := cmd.OutOrStdout()
			lock := doctor.CheckLock(a.cfg.Paths.LockFile)
			switch {
			case lock.Held:
				fmt.Fprintf(out, "engine: running (pid %d)\n", lock.PID)
			case lock.Stale:
				fmt.Fprintln(out, "engine: not running (stale lockfile)")
			default:
				fmt.Fprintln(out, "engine: not running")
			}

			snap := eng.Queue.Snapshot()
			fmt.Fprintf(out, "queue: %d pending", len(snap.Pending))
			if snap.Running != nil {
				fmt.Fprintf(out, ", running %s", snap.Running.Item.TaskName)
			}
			fmt.Fprintln(out)

			if pid, alive := watcher.StatusDaemon(a.cfg.Watcher.PidFile); alive {
				fmt.Fprintf(out, "watcher: running (pid %d)\n", pid)
			} else {
				fmt.Fprintln(out, "watcher: not running")
			}

			for i := len(snap.CompletedRecent) - 1; i >= 0 && i >= len(snap.CompletedRecent)-5; i-- {
				entry := snap.CompletedRecent[i]
				fmt.Fprintf(out, "recent: %s %s at %s\n",
					entry.TaskName, entry.Status, entry.EndedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newLogsCmd(cfgFile *string) *cobra.Command {
	var tailN int
	var follow bool
	var taskFilter string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Read the structured execution log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			if asJSON {
				logging.Suppress()
			}
			out := cmd.OutOrStdout()

			print := func(e eventlog.Event) {
				if taskFilter != "" && (e.Task == nil || *e.Task != taskFilter) {
					return
				}
				if asJSON {
					data, err := json.Marshal(e)
					if err != nil {
						return
					}
					fmt.Fprintln(out, string(data))
					return
				}
				name := "-"
				if e.Task != nil {
					name = *e.Task
				}
				id := "-"
				if e.ItemID != nil {
					id = fmt.Sprintf("%d", *e.ItemID)
				}
				fmt.Fprintf(out, "%s %-14s task=%s id=%s", e.Timestamp.Format(time.RFC3339), e.Type, name, id)
				if len(e.Details) > 0 {
					detail, _ := json.Marshal(e.Details)
					fmt.Fprintf(out, " %s", detail)
				}
				fmt.Fprintln(out)
			}

			events, err := eventlog.Tail(a.cfg.Paths.EventLog, tailN)
			if err != nil {
				return withExitCode(2, err)
			}
			for _, e := range events {
				print(e)
			}

			if !follow {
				return nil
			}
			ctx, cancel, _ := interruptContext()
			defer cancel()
			return eventlog.Follow(ctx, a.cfg.Paths.EventLog, 0, print)
		},
	}
	cmd.Flags().IntVar(&tailN, "tail", 20, "show the last N events")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing new events")
	cmd.Flags().StringVar(&taskFilter, "task", "", "only events for this task")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON lines")
	return cmd
}

func newInstallCmd(cfgFile *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install scheduled tasks into the user crontab",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			schedules, err := a.schedules()
			if err != nil {
				return err
			}
			mgr := cron.NewManager(a.cfg.Cron.BackupsDir, clodputerBin(), a.cfg.Cron.CronLog)

			ctx, cancel, _ := interruptContext()
			defer cancel()

			if dryRun {
				fmt.Fprint(cmd.OutOrStdout(), cron.PreviewInstall(schedules, clodputerBin(), a.cfg.Cron.CronLog))
				report, err := mgr.Diagnose(ctx, schedules)
				if err != nil {
					return withExitCode(2, err)
				}
				for _, line := range report.Drift {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			}

			if err := mgr.Install(ctx, schedules); err != nil {
				return withExitCode(2, err)
			}

			if w, err := eventlog.Open(a.cfg.Paths.EventLog); err == nil {
				_ = w.Append(eventlog.Event{
					Timestamp: time.Now(),
					Type:      eventlog.CronInstalled,
					Details:   map[string]any{"tasks": len(schedules)},
				})
				w.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %d scheduled task(s)\n", len(schedules))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the managed block without installing")
	return cmd
}

func newUninstallCmd(cfgFile *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the managed block from the user crontab",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			mgr := cron.NewManager(a.cfg.Cron.BackupsDir, clodputerBin(), a.cfg.Cron.CronLog)

			ctx, cancel, _ := interruptContext()
			defer cancel()

			if dryRun {
				report, err := mgr.Diagnose(ctx, nil)
				if err != nil {
					return withExitCode(2, err)
				}
				if !report.BlockExists {
					fmt.Fprintln(cmd.OutOrStdout(), "no managed block installed")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "would remove managed block (%d line(s))\n", report.LineCount)
				return nil
			}

			if err := mgr.Uninstall(ctx); err != nil {
				return withExitCode(2, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "managed block removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed")
	return cmd
}

func newSchedulePreviewCmd(cfgFile *string) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "schedule-preview <task>",
		Short: "Show the next firing times for a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			def, ok := a.definitions[args[0]]
			if !ok {
				return fmt.Errorf("unknown task %q", args[0])
			}
			expr, tz, scheduled, err := scheduleFor(def)
			if err != nil {
				return err
			}
			if !scheduled {
				return fmt.Errorf("task %q has no schedule", def.Name)
			}

			times, err := cron.PreviewNext(expr, tz, time.Now(), count)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 5, "number of firing times to preview")
	return cmd
}

// watchEnqueuer bridges the watcher into the queue: each firing
// becomes one queue item plus one watcher_event log line.
type watchEnqueuer struct {
	eng *engine.Engine
}

func (w *watchEnqueuer) Enqueue(taskName string, payload watcher.Payload) error {
	item, err := w.eng.Enqueue(taskName, "", queue.SourceWatch, payload)
	if err != nil {
		return err
	}
	if w.eng.EventLog != nil {
		return w.eng.EventLog.Append(eventlog.Event{
			Timestamp: payload.Timestamp,
			Type:      eventlog.WatcherEvent,
			Task:      eventlog.StrPtr(taskName),
			ItemID:    eventlog.IDPtr(item.ID),
			Details:   map[string]any{"path": payload.Path, "event": string(payload.Event)},
		})
	}
	return nil
}

func newWatchCmd(cfgFile *string) *cobra.Command {
	var daemonize, stop, status bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the file-watch trigger service",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch {
			case stop:
				grace := time.Duration(a.cfg.Watcher.StopGraceSeconds) * time.Second
				if err := watcher.StopDaemon(a.cfg.Watcher.PidFile, grace); err != nil {
					if err == watcher.ErrNotRunning {
						fmt.Fprintln(out, "watcher not running")
						return nil
					}
					return withExitCode(2, err)
				}
				fmt.Fprintln(out, "watcher stopped")
				return nil

			case status:
				if pid, alive := watcher.StatusDaemon(a.cfg.Watcher.PidFile); alive {
					fmt.Fprintf(out, "watcher running (pid %d)\n", pid)
				} else {
					fmt.Fprintln(out, "watcher not running")
				}
				return nil

			case daemonize:
				daemonArgs := []string{"watch"}
				if *cfgFile != "" {
					daemonArgs = append(daemonArgs, "--config", *cfgFile)
				}
				pid, err := watcher.StartDaemon(a.cfg.Watcher.PidFile, a.cfg.Watcher.LogFile, daemonArgs)
				if err != nil {
					return withExitCode(2, err)
				}
				fmt.Fprintf(out, "watcher started (pid %d)\n", pid)
				return nil
			}

			triggers := a.watchTriggers()
			if len(triggers) == 0 {
				return fmt.Errorf("no enabled tasks carry a file-watch trigger")
			}

			eng, err := a.buildEngine()
			if err != nil {
				return withExitCode(2, err)
			}

			watchSpecs := make([]watcher.Trigger, 0, len(triggers))
			for _, tr := range triggers {
				debounce := time.Duration(tr.DebounceMS) * time.Millisecond
				if debounce <= 0 {
					debounce = time.Duration(a.cfg.Watcher.DefaultDebounceMS) * time.Millisecond
				}
				watchSpecs = append(watchSpecs, watcher.Trigger{
					TaskName: tr.TaskName,
					Path:     tr.Path,
					Glob:     tr.Glob,
					Event:    watcher.EventKind(tr.Event),
					Debounce: debounce,
				})
			}

			m := watcher.New(watchSpecs, &watchEnqueuer{eng: eng}, a.log)

			ctx, cancel, _ := interruptContext()
			defer cancel()
			if err := m.Run(ctx); err != nil {
				return withExitCode(2, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemonize, "daemon", false, "run detached in the background")
	cmd.Flags().BoolVar(&stop, "stop", false, "stop the running watcher daemon")
	cmd.Flags().BoolVar(&status, "status", false, "report watcher daemon status")
	return cmd
}

func newDoctorCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose queue, lock, watcher, and cron health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgFile)
			if err != nil {
				return err
			}
			eng, err := a.buildEngine()
			if err != nil {
				return withExitCode(3, err)
			}
			schedules, err := a.schedules()
			if err != nil {
				return withExitCode(3, err)
			}

			var triggers []doctor.TriggerStatus
			for _, tr := range a.watchTriggers() {
				triggers = append(triggers, doctor.TriggerStatus{TaskName: tr.TaskName, Path: tr.Path})
			}

			ctx, cancel, _ := interruptContext()
			defer cancel()

			mgr := cron.NewManager(a.cfg.Cron.BackupsDir, clodputerBin(), a.cfg.Cron.CronLog)
			report, err := doctor.Build(ctx, a.cfg.Paths.LockFile, eng.Queue, triggers, mgr, schedules, 10)
			if err != nil {
				return withExitCode(3, err)
			}

			out := cmd.OutOrStdout()
			healthy := true

			if report.Lock.Stale {
				healthy = false
				fmt.Fprintf(out, "FAIL lockfile %s names a dead process\n", report.Lock.Path)
			} else if report.Lock.Held {
				fmt.Fprintf(out, "ok   engine running (pid %d)\n", report.Lock.PID)
			} else {
				fmt.Fprintln(out, "ok   no engine lock held")
			}

			for _, tr := range report.Triggers {
				if tr.PathExists {
					fmt.Fprintf(out, "ok   watch path exists: %s (%s)\n", tr.Path, tr.TaskName)
				} else {
					healthy = false
					fmt.Fprintf(out, "FAIL watch path missing: %s (%s)\n", tr.Path, tr.TaskName)
				}
			}

			if len(report.Cron.Drift) > 0 {
				healthy = false
				fmt.Fprintf(out, "FAIL cron block drifts from task set (%d line(s)):\n", len(report.Cron.Drift))
				for _, line := range report.Cron.Drift {
					fmt.Fprintf(out, "     %s\n", line)
				}
			} else if report.Cron.BlockExists {
				fmt.Fprintf(out, "ok   cron block installed (%d line(s))\n", report.Cron.LineCount)
			} else {
				fmt.Fprintln(out, "ok   no cron block installed")
			}

			failures := 0
			for _, entry := range report.RecentOutcome {
				if entry.Status != queue.OutcomeSuccess {
					failures++
				}
			}
			fmt.Fprintf(out, "ok   %d recent outcome(s), %d non-success\n", len(report.RecentOutcome), failures)

			if !healthy {
				return withExitCode(3, fmt.Errorf("diagnostics found problems"))
			}
			return nil
		},
	}
}
