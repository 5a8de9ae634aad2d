// Package engine wires the queue, executor, cleanup, watcher, and cron
// manager into the single long-lived value that owns clodputer's
// dispatch loop. Every dependency is an explicit field; there are no
// package-level singletons to fake around in tests.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/remyolson/clodputer/internal/clock"
	"github.com/remyolson/clodputer/internal/cron"
	"github.com/remyolson/clodputer/internal/eventlog"
	"github.com/remyolson/clodputer/internal/executor"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
	"github.com/remyolson/clodputer/internal/watcher"
)

// ErrUnknownTask is returned by Enqueue when taskName names no
// enabled definition.
var ErrUnknownTask = fmt.Errorf("engine: unknown or disabled task")

// defaultPollInterval bounds how long the dispatch loop sleeps between
// an empty dequeue and its next attempt.
const defaultPollInterval = 250 * time.Millisecond

// Engine is the assembled, dependency-injected core: every subsystem
// it drives is an explicit field, never a package-level global, so a
// test can substitute a fake Clock, a fake LoadGate, or an in-memory
// queue.Store.
type Engine struct {
	Queue    *queue.Store
	Lock     *queue.Lock
	Executor *executor.Executor
	Gate     queue.LoadGate
	Clock    clock.Clock
	EventLog *eventlog.Writer

	// Watcher and Cron are optional: the watcher runs as an independent
	// process, and cron install/uninstall are one-shot CLI operations.
	// They live on Engine so cmd/clodputer has a single assembled value
	// to reach every subsystem from, not because the dispatch loop
	// drives them directly.
	Watcher *watcher.Manager
	Cron    *cron.Manager

	Definitions map[string]task.Definition
	Secrets     map[string]string
	ExtraArgs   []string

	PollInterval time.Duration

	log *slog.Logger
}

// New returns an Engine with Gate set to AlwaysAllow and Clock set to
// clock.Real{}; a nil log falls back to slog.Default().
func New(
	store *queue.Store,
	lock *queue.Lock,
	exec *executor.Executor,
	definitions map[string]task.Definition,
	secrets map[string]string,
	extraArgs []string,
	eventLog *eventlog.Writer,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Queue:        store,
		Lock:         lock,
		Executor:     exec,
		Gate:         queue.AlwaysAllow{},
		Clock:        clock.Real{},
		EventLog:     eventLog,
		Definitions:  definitions,
		Secrets:      secrets,
		ExtraArgs:    extraArgs,
		PollInterval: defaultPollInterval,
		log:          log,
	}
}

// Enqueue validates taskName against the known, enabled definitions
// before delegating to the queue. A zero priority defers to the
// definition's configured default.
func (e *Engine) Enqueue(taskName string, priority task.Priority, source queue.Source, payload any) (queue.Item, error) {
	def, ok := e.Definitions[taskName]
	if !ok || !def.Enabled {
		return queue.Item{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}
	if priority == "" {
		priority = def.Priority
	}

	item, err := e.Queue.Enqueue(taskName, priority, source, payload)
	if err != nil {
		return queue.Item{}, err
	}
	e.logEvent(eventlog.TaskQueued, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), map[string]any{
		"source":   string(source),
		"priority": string(item.Priority),
	})
	return item, nil
}

// Run acquires the engine lock and drives the dispatch loop until ctx
// is cancelled, at which point it cancels any in-flight item, persists
// it as cancelled, releases the lock, and returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := e.Lock.Release(); err != nil {
			e.log.Error("failed to release lock", slog.Any("error", err))
		}
	}()

	e.recoverStaleRunning()

	for {
		if ctx.Err() != nil {
			return nil
		}

		allow, _ := e.gate().Allow()
		if !allow {
			if !e.sleep(ctx, e.pollInterval()) {
				return nil
			}
			continue
		}

		item, ok, err := e.Queue.Dequeue()
		if err != nil {
			e.log.Error("dequeue failed", slog.Any("error", err))
			if !e.sleep(ctx, e.pollInterval()) {
				return nil
			}
			continue
		}
		if !ok {
			if !e.sleep(ctx, e.pollInterval()) {
				return nil
			}
			continue
		}

		def, known := e.lookupEnabled(item.TaskName)
		if !known {
			e.completeConfigError(item)
			continue
		}

		if !e.dispatch(ctx, item, def) {
			return nil
		}
	}
}

// Drain acquires the engine lock, processes items until the queue is
// empty (or ctx is cancelled), and returns. This is the one-shot
// `run` path, as opposed to Run's long-lived loop.
func (e *Engine) Drain(ctx context.Context) error {
	if err := e.Lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := e.Lock.Release(); err != nil {
			e.log.Error("failed to release lock", slog.Any("error", err))
		}
	}()

	e.recoverStaleRunning()

	for {
		if ctx.Err() != nil {
			return nil
		}

		allow, _ := e.gate().Allow()
		if !allow {
			if !e.sleep(ctx, e.pollInterval()) {
				return nil
			}
			continue
		}

		item, ok, err := e.Queue.Dequeue()
		if err != nil {
			return err
		}
		if !ok {
			// nothing ready; retries waiting out their backoff still
			// count as work to drain
			if len(e.Queue.Snapshot().Pending) == 0 {
				return nil
			}
			if !e.sleep(ctx, e.pollInterval()) {
				return nil
			}
			continue
		}

		def, known := e.lookupEnabled(item.TaskName)
		if !known {
			e.completeConfigError(item)
			continue
		}

		if !e.dispatch(ctx, item, def) {
			return nil
		}
	}
}

// recoverStaleRunning finishes the job for an item a crashed engine
// left in the running slot: terminate whatever survives of its
// recorded process tree, sweep orphans, and persist the item as
// cancelled. Must be called with the engine lock held.
func (e *Engine) recoverStaleRunning() {
	snap := e.Queue.Snapshot()
	if snap.Running == nil {
		return
	}
	stale := snap.Running.Item
	e.log.Warn("recovering item left running by a previous engine",
		slog.String("task", stale.TaskName), slog.Int64("id", stale.ID))

	if cleaner := e.Executor.Cleaner; cleaner != nil {
		e.logEvent(eventlog.CleanupSignal, eventlog.StrPtr(stale.TaskName), eventlog.IDPtr(stale.ID), map[string]any{
			"reason": "crash_recovery",
		})
		for _, pid := range stale.ChildPIDs {
			if err := cleaner.Terminate(pid); err != nil {
				e.log.Debug("stale child already gone", slog.Int("pid", pid), slog.Any("error", err))
			}
		}
		cleaner.SweepOrphans()
	}

	if err := e.Queue.MarkRunningCancelled(); err != nil {
		e.log.Error("failed to persist recovered item", slog.Any("error", err))
		return
	}
	e.logEvent(eventlog.TaskCancelled, eventlog.StrPtr(stale.TaskName), eventlog.IDPtr(stale.ID), map[string]any{
		"recovered_after_crash": true,
	})
}

func (e *Engine) gate() queue.LoadGate {
	if e.Gate != nil {
		return e.Gate
	}
	return queue.AlwaysAllow{}
}

func (e *Engine) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return defaultPollInterval
}

func (e *Engine) lookupEnabled(name string) (task.Definition, bool) {
	def, ok := e.Definitions[name]
	if !ok || !def.Enabled {
		return task.Definition{}, false
	}
	return def, true
}

// sleep waits for d or ctx cancellation, whichever comes first,
// reporting false if ctx fired.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.Clock.After(d):
		return true
	}
}

// dispatch runs one item to completion, reporting false if ctx was
// cancelled mid-run (the caller should stop the loop in that case).
func (e *Engine) dispatch(ctx context.Context, item queue.Item, def task.Definition) bool {
	start := e.Clock.Now()
	e.logEvent(eventlog.TaskStarted, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), nil)

	done := make(chan executor.Outcome, 1)
	go func() {
		done <- e.Executor.Run(context.Background(), def, e.Secrets, e.ExtraArgs, func(pids []int) {
			if err := e.Queue.SampleChildPIDs(item.ID, pids); err != nil {
				e.log.Warn("failed to persist sampled child pids", slog.Any("error", err))
			}
		})
	}()

	select {
	case outcome := <-done:
		e.complete(item, def, outcome, e.Clock.Now().Sub(start))
		return true
	case <-ctx.Done():
		e.cancelRunning(item, done)
		return false
	}
}

// cancelRunning aborts the in-flight executor call and persists the
// item as cancelled.
func (e *Engine) cancelRunning(item queue.Item, done <-chan executor.Outcome) {
	e.logEvent(eventlog.CleanupSignal, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), map[string]any{
		"reason": "shutdown",
	})
	e.Executor.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.log.Warn("timed out waiting for cancelled task to exit", slog.String("task", item.TaskName))
	}

	if err := e.Queue.MarkRunningCancelled(); err != nil {
		e.log.Error("failed to persist cancelled item", slog.Any("error", err))
	}
	e.logEvent(eventlog.TaskCancelled, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), nil)
}

// completeConfigError handles an item whose definition disappeared or
// was disabled between enqueue and dequeue: fatal for the item, not
// for the engine.
func (e *Engine) completeConfigError(item queue.Item) {
	_, err := e.Queue.Complete(item.ID, queue.CompleteParams{
		Outcome:   queue.OutcomeFailure,
		ErrorKind: string(executor.KindConfig),
	})
	if err != nil {
		e.log.Error("failed to complete config-error item", slog.Any("error", err))
	}
	e.logEvent(eventlog.TaskFailed, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), map[string]any{
		"error_kind": string(executor.KindConfig),
		"message":    "task definition is unknown or disabled",
	})
}

// complete persists outcome, fires the corresponding event, and logs
// any retry the queue scheduled on its own.
func (e *Engine) complete(item queue.Item, def task.Definition, outcome executor.Outcome, duration time.Duration) {
	errorKind := ""
	if outcome.Kind != executor.KindSuccess {
		errorKind = string(outcome.Kind)
	}

	var queueOutcome queue.Outcome
	switch outcome.Kind {
	case executor.KindSuccess:
		queueOutcome = queue.OutcomeSuccess
	case executor.KindTimeout:
		queueOutcome = queue.OutcomeTimeout
	case executor.KindCancelled:
		queueOutcome = queue.OutcomeCancelled
	default:
		queueOutcome = queue.OutcomeFailure
	}

	retry, err := e.Queue.Complete(item.ID, queue.CompleteParams{
		Outcome:             queueOutcome,
		Duration:            duration,
		ErrorKind:           errorKind,
		Retriable:           outcome.Retriable(),
		MaxRetries:          def.MaxRetries,
		RetryBackoffSeconds: def.RetryBackoffSeconds,
	})
	if err != nil {
		e.log.Error("failed to complete item", slog.Any("error", err))
	}

	details := map[string]any{"outcome": string(outcome.Kind)}
	if outcome.Message != "" {
		details["message"] = outcome.Message
	}
	if retry != nil {
		details["retry_item_id"] = retry.ID
	}

	var eventType eventlog.EventType
	switch outcome.Kind {
	case executor.KindSuccess:
		eventType = eventlog.TaskCompleted
	case executor.KindTimeout:
		eventType = eventlog.TaskTimeout
	case executor.KindCancelled:
		eventType = eventlog.TaskCancelled
	default:
		eventType = eventlog.TaskFailed
	}
	e.logEvent(eventType, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), details)

	if outcome.Kind == executor.KindTimeout {
		e.logEvent(eventlog.CleanupSignal, eventlog.StrPtr(item.TaskName), eventlog.IDPtr(item.ID), map[string]any{
			"reason": "timeout",
		})
	}
}

func (e *Engine) logEvent(t eventlog.EventType, taskName *string, itemID *int64, details map[string]any) {
	if e.EventLog == nil {
		return
	}
	event := eventlog.Event{Timestamp: e.Clock.Now(), Type: t, Task: taskName, ItemID: itemID, Details: details}
	if err := e.EventLog.Append(event); err != nil {
		e.log.Error("failed to append event log", slog.Any("error", err))
	}
}
