// Package watcher implements the filesystem-trigger component: one
// process supervises N configured directory triggers and turns
// matching events into queue enqueue calls.
//
// Debounce is a single timer per trigger that resets on every
// matching event and flushes a coalesced batch on expiry, so a burst
// of N filesystem events never spawns N goroutines or N timers.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/remyolson/clodputer/internal/clock"
)

// EventKind is the closed mapping target for raw fsnotify ops.
type EventKind string

const (
	Created  EventKind = "created"
	Modified EventKind = "modified"
	Deleted  EventKind = "deleted"
)

// Payload is the trigger_payload recorded on the enqueued queue item.
type Payload struct {
	Path      string    `json:"path"`
	Event     EventKind `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Enqueuer is the queue-facing seam the watcher enqueues through.
// Kept narrow so this package does not import internal/queue.
type Enqueuer interface {
	Enqueue(taskName string, payload Payload) error
}

// Trigger is one configured directory watch: a single directory, no
// recursion.
type Trigger struct {
	TaskName string
	Path     string
	Glob     string        // empty matches everything
	Event    EventKind     // empty matches any kind
	Debounce time.Duration // default applied by Manager if zero
}

const defaultDebounce = 500 * time.Millisecond

// defaultReconnectBackoff and maxReconnectBackoff bound the retry
// delay when the fsnotify handle is lost.
const (
	defaultReconnectBackoff = 1 * time.Second
	maxReconnectBackoff     = 60 * time.Second
)

type triggerState struct {
	trigger Trigger
	armed   bool
	ready   map[string]EventKind
	mu      sync.Mutex
	timer   *time.Timer
}

// Manager runs the watcher loop for a fixed set of triggers.
type Manager struct {
	Clock    clock.Clock
	triggers []*triggerState
	enqueue  Enqueuer
	log      *slog.Logger
}

// New builds a Manager for the given triggers. Triggers with an empty
// Debounce get defaultDebounce.
func New(triggers []Trigger, enqueue Enqueuer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	states := make([]*triggerState, 0, len(triggers))
	for _, tr := range triggers {
		if tr.Debounce <= 0 {
			tr.Debounce = defaultDebounce
		}
		states = append(states, &triggerState{trigger: tr, ready: map[string]EventKind{}})
	}
	return &Manager{Clock: clock.Real{}, triggers: states, enqueue: enqueue, log: log}
}

// Run watches all configured triggers until ctx is cancelled,
// re-establishing the fsnotify handle with exponential backoff if it
// is lost.
func (m *Manager) Run(ctx context.Context) error {
	backoff := defaultReconnectBackoff
	for {
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// watcher.Events/Errors closed cleanly (e.g. Close was called
			// concurrently); treat as a lost handle and reconnect.
		}
		m.log.Warn("watcher: fsnotify handle lost, reconnecting",
			slog.Duration("backoff", backoff), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// runOnce builds one fsnotify.Watcher, arms every trigger whose
// directory exists, and services events until the watcher's channels
// close or ctx is cancelled.
func (m *Manager) runOnce(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, st := range m.triggers {
		if err := fsw.Add(st.trigger.Path); err != nil {
			m.log.Warn("watcher: trigger directory unavailable, keeping trigger disarmed",
				slog.String("task", st.trigger.TaskName),
				slog.String("path", st.trigger.Path),
				slog.Any("error", err))
			st.armed = false
			continue
		}
		st.armed = true
	}

	for _, st := range m.triggers {
		if st.armed {
			st.timer = time.NewTimer(st.trigger.Debounce)
			if !st.timer.Stop() {
				<-st.timer.C
			}
		}
	}
	defer func() {
		for _, st := range m.triggers {
			if st.timer != nil {
				st.timer.Stop()
			}
		}
	}()

	timerCases := make(chan *triggerState)
	for _, st := range m.triggers {
		if !st.armed {
			continue
		}
		go watchTimer(ctx, st, timerCases)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case st := <-timerCases:
			m.flush(st)
			go watchTimer(ctx, st, timerCases)

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			m.handleEvent(event)

		case fsErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("watcher: fsnotify error", slog.Any("error", fsErr))
		}
	}
}

// watchTimer blocks until st's debounce timer fires or ctx ends, then
// reports st on out. One goroutine per armed trigger, not per event.
func watchTimer(ctx context.Context, st *triggerState, out chan<- *triggerState) {
	select {
	case <-ctx.Done():
	case <-st.timer.C:
		select {
		case out <- st:
		case <-ctx.Done():
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	kind, ok := mapEventKind(event)
	if !ok {
		return
	}

	for _, st := range m.triggers {
		if !st.armed {
			continue
		}
		if filepath.Dir(event.Name) != filepath.Clean(st.trigger.Path) {
			continue
		}
		if st.trigger.Event != "" && st.trigger.Event != kind {
			continue
		}
		if st.trigger.Glob != "" {
			matched, err := filepath.Match(st.trigger.Glob, filepath.Base(event.Name))
			if err != nil || !matched {
				continue
			}
		}

		st.mu.Lock()
		st.ready[event.Name] = kind
		st.mu.Unlock()

		if !st.timer.Stop() {
			select {
			case <-st.timer.C:
			default:
			}
		}
		st.timer.Reset(st.trigger.Debounce)
	}
}

// mapEventKind maps raw fsnotify ops to {created,modified,deleted}.
// Create covers the atomic-rename-into-directory case, since
// the OS reports the destination path as newly created in the watched
// directory; Rename covers a path leaving the directory, treated like
// a deletion from this trigger's point of view.
func mapEventKind(event fsnotify.Event) (EventKind, bool) {
	switch {
	case event.Has(fsnotify.Create):
		return Created, true
	case event.Has(fsnotify.Write):
		return Modified, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Deleted, true
	default:
		return "", false
	}
}

// flush drains st's coalesced path set and enqueues one queue item per
// path, retrying a failed enqueue once before logging and dropping it.
func (m *Manager) flush(st *triggerState) {
	st.mu.Lock()
	batch := st.ready
	st.ready = map[string]EventKind{}
	st.mu.Unlock()

	for path, kind := range batch {
		payload := Payload{Path: path, Event: kind, Timestamp: m.Clock.Now().UTC()}
		err := m.enqueue.Enqueue(st.trigger.TaskName, payload)
		if err != nil {
			m.log.Warn("watcher: enqueue failed, retrying once",
				slog.String("task", st.trigger.TaskName), slog.String("path", path), slog.Any("error", err))
			err = m.enqueue.Enqueue(st.trigger.TaskName, payload)
		}
		if err != nil {
			m.log.Error("watcher: enqueue failed twice, dropping event",
				slog.String("task", st.trigger.TaskName), slog.String("path", path), slog.Any("error", err))
		}
	}
}
