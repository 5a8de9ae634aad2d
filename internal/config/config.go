// Package config loads clodputer's engine-level configuration: where
// state lives, how subsystems behave, and their tunable thresholds.
// Task definitions themselves are out of scope here (internal/task
// consumes them from an already-validated loader); this package covers
// only the ambient engine settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remyolson/clodputer/internal/logging"
)

// Config is the root engine configuration, loaded from
// ~/.clodputer/config.yaml.
type Config struct {
	Version string `yaml:"version"`

	Paths     *PathsConfig     `yaml:"paths"`
	Logging   *logging.Config  `yaml:"logging"`
	Executor  *ExecutorConfig  `yaml:"executor"`
	Cleanup   *CleanupConfig   `yaml:"cleanup"`
	Watcher   *WatcherConfig   `yaml:"watcher"`
	Cron      *CronConfig      `yaml:"cron"`
	Resources *ResourcesConfig `yaml:"resources"`
	Notify    *NotifyConfig    `yaml:"notify"`
}

// PathsConfig locates every file the engine reads or writes.
type PathsConfig struct {
	StateDir    string `yaml:"state_dir"`    // ~/.clodputer
	QueueFile   string `yaml:"queue_file"`   // <state_dir>/queue.json
	LockFile    string `yaml:"lock_file"`    // <state_dir>/clodputer.lock
	BackupsDir  string `yaml:"backups_dir"`  // <state_dir>/backups
	EventLog    string `yaml:"event_log"`    // <state_dir>/execution.log
	SecretsFile string `yaml:"secrets_file"` // <state_dir>/secrets.env
	TasksDir    string `yaml:"tasks_dir"`    // <state_dir>/tasks
	ClaudeBin   string `yaml:"claude_bin"`
}

// ExecutorConfig tunes the assistant-CLI dispatch.
type ExecutorConfig struct {
	DefaultTimeoutSeconds int      `yaml:"default_timeout_seconds"`
	ExtraArgs             []string `yaml:"extra_args"`
}

// CleanupConfig tunes process-tree termination.
type CleanupConfig struct {
	GraceWindowSeconds int      `yaml:"grace_window_seconds"`
	ToolAllowlist      []string `yaml:"tool_allowlist"`
}

// WatcherConfig carries the watcher daemon's own files, separate from
// the per-trigger specs that live on each task definition.
type WatcherConfig struct {
	PidFile           string `yaml:"pid_file"`
	LogFile           string `yaml:"log_file"`
	DefaultDebounceMS int    `yaml:"default_debounce_ms"`
	StopGraceSeconds  int    `yaml:"stop_grace_seconds"`
}

// CronConfig tunes the cron manager.
type CronConfig struct {
	BackupsDir string   `yaml:"backups_dir"`
	CronLog    string   `yaml:"cron_log"`
	EnvExports []string `yaml:"env_exports"`
}

// ResourcesConfig tunes the optional load-aware dequeue gate.
type ResourcesConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MaxCPUPercent    float64 `yaml:"max_cpu_percent"`
	MaxMemoryPercent float64 `yaml:"max_memory_percent"`
}

// NotifyConfig controls the best-effort OS notification channel.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns clodputer's configuration with every field set
// to a sensible, self-contained default rooted at ~/.clodputer.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".clodputer")

	return &Config{
		Version: "1",
		Paths: &PathsConfig{
			StateDir:    stateDir,
			QueueFile:   filepath.Join(stateDir, "queue.json"),
			LockFile:    filepath.Join(stateDir, "clodputer.lock"),
			BackupsDir:  filepath.Join(stateDir, "backups"),
			EventLog:    filepath.Join(stateDir, "execution.log"),
			SecretsFile: filepath.Join(stateDir, "secrets.env"),
			TasksDir:    filepath.Join(stateDir, "tasks"),
			ClaudeBin:   "claude",
		},
		Logging: logging.DefaultConfig(),
		Executor: &ExecutorConfig{
			DefaultTimeoutSeconds: 600,
		},
		Cleanup: &CleanupConfig{
			GraceWindowSeconds: 5,
			ToolAllowlist:      []string{"mcp-server", "claude-mcp"},
		},
		Watcher: &WatcherConfig{
			PidFile:           filepath.Join(stateDir, "watcher.pid"),
			LogFile:           filepath.Join(stateDir, "watcher.log"),
			DefaultDebounceMS: 500,
			StopGraceSeconds:  5,
		},
		Cron: &CronConfig{
			BackupsDir: filepath.Join(stateDir, "backups"),
			CronLog:    filepath.Join(stateDir, "cron.log"),
		},
		Resources: &ResourcesConfig{
			Enabled:          false,
			MaxCPUPercent:    90,
			MaxMemoryPercent: 90,
		},
		Notify: &NotifyConfig{Enabled: true},
	}
}

// Load reads path as YAML over DefaultConfig, so any field the file
// omits keeps its default. A missing file is not an error: the engine
// runs on defaults alone.
// Environment variables in the file are expanded via os.ExpandEnv
// before parsing, so paths can reference $HOME-style values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.Paths == nil {
		cfg.Paths = defaults.Paths
	}
	if cfg.Logging == nil {
		cfg.Logging = defaults.Logging
	}
	if cfg.Executor == nil {
		cfg.Executor = defaults.Executor
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = defaults.Cleanup
	}
	if cfg.Watcher == nil {
		cfg.Watcher = defaults.Watcher
	}
	if cfg.Cron == nil {
		cfg.Cron = defaults.Cron
	}
	if cfg.Resources == nil {
		cfg.Resources = defaults.Resources
	}
	if cfg.Notify == nil {
		cfg.Notify = defaults.Notify
	}

	if cfg.Paths != nil {
		cfg.Paths.StateDir = expandHome(cfg.Paths.StateDir)
		cfg.Paths.QueueFile = expandHome(cfg.Paths.QueueFile)
		cfg.Paths.LockFile = expandHome(cfg.Paths.LockFile)
		cfg.Paths.BackupsDir = expandHome(cfg.Paths.BackupsDir)
		cfg.Paths.EventLog = expandHome(cfg.Paths.EventLog)
		cfg.Paths.SecretsFile = expandHome(cfg.Paths.SecretsFile)
		cfg.Paths.TasksDir = expandHome(cfg.Paths.TasksDir)
	}

	return cfg, nil
}

// Save writes cfg as YAML to path, creating its parent directory if
// needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating directory for %s: %w", path, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// DefaultConfigPath returns ~/.clodputer/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clodputer", "config.yaml")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Validate checks the fields the engine cannot safely run without.
func (c *Config) Validate() error {
	if c.Paths == nil || c.Paths.StateDir == "" {
		return fmt.Errorf("config: paths.state_dir is required")
	}
	if c.Executor != nil && c.Executor.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("config: executor.default_timeout_seconds must be non-negative")
	}
	if c.Resources != nil && c.Resources.Enabled {
		if c.Resources.MaxCPUPercent <= 0 || c.Resources.MaxMemoryPercent <= 0 {
			return fmt.Errorf("config: resources thresholds must be positive when enabled")
		}
	}
	return nil
}

// ExecutorTimeout returns the default executor timeout as a Duration.
func (c *Config) ExecutorTimeout() time.Duration {
	if c.Executor == nil {
		return 0
	}
	return time.Duration(c.Executor.DefaultTimeoutSeconds) * time.Second
}
