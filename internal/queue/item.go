// Package queue implements the persistent, single-writer task queue:
// QueueState on disk, atomic writes, lockfile-guarded exclusion, and
// corruption recovery.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/remyolson/clodputer/internal/task"
)

// Source is a closed enumeration; string-keyed polymorphism is avoided
// by validating against this set on unmarshal.
type Source string

const (
	SourceManual Source = "manual"
	SourceCron   Source = "cron"
	SourceWatch  Source = "watch"
)

func (s Source) valid() bool {
	switch s {
	case SourceManual, SourceCron, SourceWatch:
		return true
	}
	return false
}

// UnmarshalJSON rejects any value outside the closed set.
func (s *Source) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := Source(raw)
	if !v.valid() {
		return fmt.Errorf("queue: invalid source %q", raw)
	}
	*s = v
	return nil
}

// Outcome is the closed enumeration of terminal statuses recorded in
// completed_recent.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Item is one scheduled execution request. ChildPIDs is only
// populated while the item occupies the running slot.
type Item struct {
	ID             int64           `json:"id"`
	TaskName       string          `json:"task_name"`
	Priority       task.Priority   `json:"priority"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempt        int             `json:"attempt"`
	Source         Source          `json:"source"`
	TriggerPayload json.RawMessage `json:"trigger_payload,omitempty"`
	ChildPIDs      []int           `json:"child_pids,omitempty"`
}

// Running augments an Item with the bookkeeping the queue needs while
// it occupies the single running slot.
type Running struct {
	Item      Item      `json:"item"`
	StartedAt time.Time `json:"started_at"`
}

// CompletedEntry is one member of the bounded completed_recent ring.
type CompletedEntry struct {
	ItemID    int64         `json:"id"`
	TaskName  string        `json:"task_name"`
	Status    Outcome       `json:"status"`
	Duration  time.Duration `json:"duration"`
	ErrorKind string        `json:"error_kind,omitempty"`
	EndedAt   time.Time     `json:"ended_at"`
}

// stateVersion is the current on-disk schema version.
const stateVersion = 1

// State is the serialized root of queue.json.
type State struct {
	Version         int              `json:"version"`
	Pending         []Item           `json:"pending"`
	Running         *Running         `json:"running"`
	CompletedRecent []CompletedEntry `json:"completed_recent"`

	// NextID must survive process restarts so an id is never reused
	// within the lifetime of a queue file. It is carried explicitly
	// rather than recomputed from max(pending/running ids): a cleared
	// queue must still never hand out an old id.
	NextID int64 `json:"next_id"`
}

// newEmptyState returns a fresh, valid, empty queue state.
func newEmptyState() *State {
	return &State{
		Version:         stateVersion,
		Pending:         []Item{},
		CompletedRecent: []CompletedEntry{},
		NextID:          1,
	}
}

// maxCompletedRecent bounds the completed_recent ring.
const maxCompletedRecent = 200

func (s *State) pushCompleted(entry CompletedEntry) {
	s.CompletedRecent = append(s.CompletedRecent, entry)
	if over := len(s.CompletedRecent) - maxCompletedRecent; over > 0 {
		s.CompletedRecent = s.CompletedRecent[over:]
	}
}

// insertPending keeps pending ordered by (priority desc, enqueued_at
// asc): a high item goes ahead of all normal items but after existing
// high items.
func (s *State) insertPending(item Item) {
	if item.Priority != task.PriorityHigh {
		s.Pending = append(s.Pending, item)
		return
	}
	idx := 0
	for idx < len(s.Pending) && s.Pending[idx].Priority == task.PriorityHigh {
		idx++
	}
	s.Pending = append(s.Pending, Item{})
	copy(s.Pending[idx+1:], s.Pending[idx:])
	s.Pending[idx] = item
}
