package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/remyolson/clodputer/internal/task"
)

// ErrRunningSlotOccupied is returned by Dequeue when an item is
// already running; there is never more than one.
var ErrRunningSlotOccupied = fmt.Errorf("queue: running slot already occupied")

// ErrNoRunningItem is returned by Complete when there is nothing running.
var ErrNoRunningItem = fmt.Errorf("queue: no item is currently running")

// Enqueue assigns an id, inserts the item per the priority/FIFO
// ordering invariant, persists, and returns the stored Item.
func (s *Store) Enqueue(taskName string, priority task.Priority, source Source, payload any) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lockAndReload()()

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Item{}, fmt.Errorf("queue: marshaling trigger payload: %w", err)
		}
		raw = encoded
	}

	item := Item{
		ID:             s.state.NextID,
		TaskName:       taskName,
		Priority:       priority,
		EnqueuedAt:     s.clock.Now().UTC(),
		Attempt:        0,
		Source:         source,
		TriggerPayload: raw,
	}
	s.state.NextID++
	s.state.insertPending(item)

	if err := s.persistLocked(); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Dequeue pops the first dispatchable pending item into the running
// slot, if idle. A retry copy carries a future EnqueuedAt as its
// not-before time and is skipped until the backoff has elapsed.
// Returns (Item{}, false, nil) if nothing is ready.
func (s *Store) Dequeue() (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lockAndReload()()

	if s.state.Running != nil {
		return Item{}, false, ErrRunningSlotOccupied
	}

	now := s.clock.Now().UTC()
	idx := -1
	for i, item := range s.state.Pending {
		if !item.EnqueuedAt.After(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Item{}, false, nil
	}

	item := s.state.Pending[idx]
	s.state.Pending = append(s.state.Pending[:idx], s.state.Pending[idx+1:]...)
	s.state.Running = &Running{Item: item, StartedAt: now}

	if err := s.persistLocked(); err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

// SampleChildPIDs records the process-tree PIDs observed for the
// currently running item, persisted with the state so crash recovery
// can finish terminating them.
func (s *Store) SampleChildPIDs(itemID int64, pids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lockAndReload()()

	if s.state.Running == nil || s.state.Running.Item.ID != itemID {
		return nil
	}
	s.state.Running.Item.ChildPIDs = append([]int{}, pids...)
	return s.persistLocked()
}

// CompleteParams describes a terminal outcome for the running item.
type CompleteParams struct {
	Outcome   Outcome
	Duration  time.Duration
	ErrorKind string
	// Retriable is the caller's classification of whether this outcome
	// is eligible for retry at all.
	Retriable           bool
	MaxRetries          int
	RetryBackoffSeconds int
}

// Complete clears the running slot, pushes to completed_recent, and —
// if the outcome is a retriable failure with attempts remaining —
// re-enqueues a copy with attempt+1. The retry's dispatch delay is
// retry_backoff_seconds * 2^attempt, anchored at the completion of the
// failing attempt. Returns the retry item, if one was created.
func (s *Store) Complete(itemID int64, params CompleteParams) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lockAndReload()()

	if s.state.Running == nil || s.state.Running.Item.ID != itemID {
		return nil, ErrNoRunningItem
	}
	finished := s.state.Running.Item
	s.state.Running = nil

	now := s.clock.Now().UTC()
	s.state.pushCompleted(CompletedEntry{
		ItemID:    finished.ID,
		TaskName:  finished.TaskName,
		Status:    params.Outcome,
		Duration:  params.Duration,
		ErrorKind: params.ErrorKind,
		EndedAt:   now,
	})

	var retryItem *Item
	if params.Retriable && finished.Attempt < params.MaxRetries {
		next := Item{
			ID:             s.state.NextID,
			TaskName:       finished.TaskName,
			Priority:       finished.Priority,
			EnqueuedAt:     now.Add(backoffDelay(params.RetryBackoffSeconds, finished.Attempt)),
			Attempt:        finished.Attempt + 1,
			Source:         finished.Source,
			TriggerPayload: finished.TriggerPayload,
		}
		s.state.NextID++
		s.state.insertPending(next)
		retryItem = &next
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return retryItem, nil
}

// backoffDelay computes retry_backoff_seconds * 2^attempt.
func backoffDelay(baseSeconds, attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt))
	return time.Duration(float64(baseSeconds)*factor) * time.Second
}

// ClearPending drops all pending items without touching running.
func (s *Store) ClearPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lockAndReload()()
	s.state.Pending = []Item{}
	return s.persistLocked()
}

// MarkRunningCancelled persists the running item as cancelled and
// clears the running slot, used on engine shutdown.
func (s *Store) MarkRunningCancelled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lockAndReload()()

	if s.state.Running == nil {
		return nil
	}
	finished := s.state.Running.Item
	s.state.Running = nil
	s.state.pushCompleted(CompletedEntry{
		ItemID:   finished.ID,
		TaskName: finished.TaskName,
		Status:   OutcomeCancelled,
		EndedAt:  s.clock.Now().UTC(),
	})
	return s.persistLocked()
}
