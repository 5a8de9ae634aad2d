// Package logging configures the ambient structured logger shared by
// every clodputer process. The contractual execution.log lives in
// internal/eventlog; this package carries only operational logging:
// level/format/output selection from config, rotation for file
// outputs, and component-scoped child loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Config selects the ambient logger's level, format, and destination.
type Config struct {
	Level    string          `yaml:"level"`    // debug, info, warn, error
	Format   string          `yaml:"format"`   // json or text
	Output   string          `yaml:"output"`   // stdout, stderr, or a file path
	Rotation *RotationConfig `yaml:"rotation"` // file outputs only
}

// RotationConfig bounds a file output's size and backlog.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"` // e.g. "100MB"
	MaxAge     string `yaml:"max_age"`  // e.g. "7d"
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig is text to stdout at info level, no rotation.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "text", Output: "stdout"}
}

var (
	mu     sync.RWMutex
	active = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Init replaces the shared logger per cfg; nil cfg means defaults.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	w, err := getWriter(cfg)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	set(slog.New(handler))
	return nil
}

// Suppress routes all logging to io.Discard. Use this when stdout
// must carry machine-readable output only (e.g. `logs --json`) so
// operational chatter cannot corrupt the stream.
func Suppress() {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	set(discard)
	// direct slog.Info() calls in dependencies go quiet too
	slog.SetDefault(discard)
}

// Logger returns the shared logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// WithComponent returns the shared logger scoped to one subsystem
// (cli, queue, executor, cleanup, watcher, cron).
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

func set(l *slog.Logger) {
	mu.Lock()
	active = l
	mu.Unlock()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}
