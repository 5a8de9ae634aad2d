package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rotation defaults, applied when the config omits a field. The engine
// writes modest amounts of operational logging, so these err toward
// keeping little.
const (
	defaultMaxBytes   = int64(100 * 1024 * 1024)
	defaultRetainFor  = 7 * 24 * time.Hour
	defaultKeepCount  = 3
	backupTimeLayout  = "20060102-150405"
)

// rotatingWriter is an io.Writer over a single log file that swaps the
// file out for a timestamped sibling once it would exceed maxBytes,
// then prunes siblings beyond keepCount or older than retainFor.
// Pruning happens synchronously on rotation; rotation is rare enough
// that the extra directory scan is not worth a goroutine.
type rotatingWriter struct {
	path      string
	maxBytes  int64
	retainFor time.Duration
	keepCount int

	mu   sync.Mutex
	file *os.File
	size int64
}

// newRotatingWriter opens (creating directories as needed) a rotating
// writer at filename, configured by cfg; nil cfg uses the defaults.
func newRotatingWriter(filename string, cfg *RotationConfig) (io.Writer, error) {
	w := &rotatingWriter{
		path:      filename,
		maxBytes:  defaultMaxBytes,
		retainFor: defaultRetainFor,
		keepCount: defaultKeepCount,
	}

	if cfg != nil {
		if cfg.MaxSize != "" {
			n, err := parseSize(cfg.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("invalid max_size: %w", err)
			}
			w.maxBytes = n
		}
		if cfg.MaxAge != "" {
			d, err := parseDuration(cfg.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("invalid max_age: %w", err)
			}
			w.retainFor = d
		}
		if cfg.MaxBackups > 0 {
			w.keepCount = cfg.MaxBackups
		}
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.swap(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file; a later Write reopens it.
func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// swap moves the current file aside under a timestamped name and
// starts a fresh one. Caller must hold w.mu.
func (w *rotatingWriter) swap() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	backup := fmt.Sprintf("%s.%s%s", stem, time.Now().Format(backupTimeLayout), ext)
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if err := w.open(); err != nil {
		return err
	}
	w.prune()
	return nil
}

// prune deletes rotated siblings older than retainFor, then the oldest
// of what remains until at most keepCount are left.
func (w *rotatingWriter) prune() {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(filepath.Base(w.path), ext)
	pattern := filepath.Join(filepath.Dir(w.path), stem+".*"+ext)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup
	cutoff := time.Now().Add(-w.retainFor)
	for _, m := range matches {
		if m == w.path {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(m)
			continue
		}
		backups = append(backups, backup{path: m, mod: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.Before(backups[j].mod) })
	for len(backups) > w.keepCount {
		_ = os.Remove(backups[0].path)
		backups = backups[1:]
	}
}

// parseSize parses a size string like "100MB" into bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))

	var unit int64 = 1
	switch {
	case strings.HasSuffix(s, "KB"):
		unit, s = 1024, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		unit, s = 1024*1024, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		unit, s = 1024*1024*1024, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * unit, nil
}

// parseDuration parses a duration string like "7d" or "2w", falling
// back to Go's own duration syntax for anything else.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if weeks, ok := strings.CutSuffix(s, "w"); ok {
		n, err := strconv.Atoi(weeks)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
