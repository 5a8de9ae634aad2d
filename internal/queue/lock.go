package queue

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLockHeld is returned by Acquire when another engine process
// holds a live lock.
var ErrLockHeld = fmt.Errorf("queue: lock held by a live process")

// Lock guards clodputer.lock: a single-writer discipline enforced by
// recording the current engine pid and probing liveness of a prior
// recorded pid on startup.
type Lock struct {
	path string
}

// NewLock returns a Lock for the given lockfile path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire attempts to take the lock. If an existing lockfile names a
// pid that is no longer alive, the stale lock is reclaimed silently.
func (l *Lock) Acquire() error {
	if pid, ok := l.readPID(); ok {
		if pidAlive(pid) {
			return ErrLockHeld
		}
	}
	return os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the lockfile. Safe to call even if it does not exist.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// readPID reads the recorded pid, if any.
func (l *Lock) readPID() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether pid refers to a live process, by sending
// the null signal (signal 0), which performs existence/permission
// checks without actually delivering a signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
