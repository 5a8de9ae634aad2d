package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/remyolson/clodputer/internal/clock"
)

// Store owns the on-disk queue.json: every mutation is persisted by
// writing the full state to a temporary sibling and atomically
// renaming it over the canonical path, so a reader can never observe
// a partially written state.
//
// Two processes share this file (the engine and the watcher daemon),
// so each mutation additionally takes a short-held advisory flock and
// re-reads the file before applying its change.
type Store struct {
	statePath  string
	backupsDir string
	clock      clock.Clock

	mu    sync.Mutex
	state *State
}

// OpenResult reports what Open had to do to produce a usable state,
// so the caller can emit the corresponding log event.
type OpenResult struct {
	// Recovered is true if the prior state file failed to parse and was
	// archived; ArchivePath names where it was moved.
	Recovered   bool
	ArchivePath string
}

// Open loads (or initializes) the queue state at statePath. A state
// file that fails to parse is archived under backupsDir with a
// timestamped name and replaced by a fresh empty state; Open never
// returns an error for a corrupt file, so a mangled queue can never
// keep the engine from starting.
func Open(statePath, backupsDir string, c clock.Clock) (*Store, OpenResult, error) {
	s := &Store{statePath: statePath, backupsDir: backupsDir, clock: c}

	data, err := os.ReadFile(statePath)
	switch {
	case os.IsNotExist(err):
		s.state = newEmptyState()
		if werr := s.persistLocked(); werr != nil {
			return nil, OpenResult{}, werr
		}
		return s, OpenResult{}, nil
	case err != nil:
		return nil, OpenResult{}, fmt.Errorf("queue: reading state: %w", err)
	}

	var st State
	if jerr := json.Unmarshal(data, &st); jerr != nil {
		archivePath, rerr := s.archiveCorrupt(data)
		if rerr != nil {
			return nil, OpenResult{}, rerr
		}
		s.state = newEmptyState()
		if werr := s.persistLocked(); werr != nil {
			return nil, OpenResult{}, werr
		}
		return s, OpenResult{Recovered: true, ArchivePath: archivePath}, nil
	}

	if st.Version != stateVersion {
		// Unknown schema version: archive and reset rather than guess
		// at its shape.
		archivePath, rerr := s.archiveCorrupt(data)
		if rerr != nil {
			return nil, OpenResult{}, rerr
		}
		s.state = newEmptyState()
		if werr := s.persistLocked(); werr != nil {
			return nil, OpenResult{}, werr
		}
		return s, OpenResult{Recovered: true, ArchivePath: archivePath}, nil
	}

	if st.Pending == nil {
		st.Pending = []Item{}
	}
	if st.CompletedRecent == nil {
		st.CompletedRecent = []CompletedEntry{}
	}
	if st.NextID == 0 {
		st.NextID = 1
	}
	s.state = &st
	return s, OpenResult{}, nil
}

// archiveCorrupt writes the unreadable bytes to a timestamped path
// under backupsDir and returns that path.
func (s *Store) archiveCorrupt(original []byte) (string, error) {
	if err := os.MkdirAll(s.backupsDir, 0o755); err != nil {
		return "", fmt.Errorf("queue: creating backups dir: %w", err)
	}
	ts := s.clock.Now().UTC().Format("20060102T150405.000000000Z")
	archivePath := filepath.Join(s.backupsDir, fmt.Sprintf("queue.corrupt-%s.json", ts))
	if err := os.WriteFile(archivePath, original, 0o644); err != nil {
		return "", fmt.Errorf("queue: archiving corrupt state: %w", err)
	}
	return archivePath, nil
}

// lockAndReload takes the cross-process flock and refreshes s.state
// from disk, returning the release func. Best-effort on both counts: a
// failed flock or an unreadable file leaves the in-memory state
// authoritative rather than wedging a mutation. Caller must hold s.mu.
func (s *Store) lockAndReload() func() {
	fl, err := acquireFileLock(s.statePath + ".flock")
	if err != nil {
		return func() {}
	}
	s.reloadLocked()
	return fl.release
}

// reloadLocked replaces s.state with the on-disk state if it parses
// and carries the current schema version, picking up writes made by
// the other process since our last mutation.
func (s *Store) reloadLocked() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil || st.Version != stateVersion {
		return
	}
	if st.Pending == nil {
		st.Pending = []Item{}
	}
	if st.CompletedRecent == nil {
		st.CompletedRecent = []CompletedEntry{}
	}
	if st.NextID == 0 {
		st.NextID = 1
	}
	s.state = &st
}

// persistLocked writes s.state to disk atomically. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshaling state: %w", err)
	}

	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, ".queue-*.json")
	if err != nil {
		return fmt.Errorf("queue: creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("queue: writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.statePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: renaming temp state file: %w", err)
	}
	return nil
}

// Snapshot returns a read-only copy of the whole state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	return cloneState(s.state)
}

func cloneState(st *State) State {
	out := State{Version: st.Version, NextID: st.NextID}
	out.Pending = append([]Item{}, st.Pending...)
	out.CompletedRecent = append([]CompletedEntry{}, st.CompletedRecent...)
	if st.Running != nil {
		r := *st.Running
		r.Item.ChildPIDs = append([]int{}, st.Running.Item.ChildPIDs...)
		out.Running = &r
	}
	return out
}
