package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/remyolson/clodputer/internal/cleanup"
	"github.com/remyolson/clodputer/internal/clock"
	"github.com/remyolson/clodputer/internal/config"
	"github.com/remyolson/clodputer/internal/cron"
	"github.com/remyolson/clodputer/internal/engine"
	"github.com/remyolson/clodputer/internal/eventlog"
	"github.com/remyolson/clodputer/internal/executor"
	"github.com/remyolson/clodputer/internal/logging"
	"github.com/remyolson/clodputer/internal/notify"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/secrets"
	"github.com/remyolson/clodputer/internal/task"
)

// app bundles everything a command needs after loading configuration,
// so each cobra RunE stays a thin sequence of calls into internal/.
type app struct {
	cfg         *config.Config
	definitions map[string]task.Definition
	secretsMap  map[string]string
	log         *slog.Logger
}

func loadApp(cfgFile string) (*app, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log := logging.WithComponent("cli").With(slog.String("invocation_id", uuid.NewString()))

	if bin := os.Getenv("CLODPUTER_CLAUDE_BIN"); bin != "" {
		cfg.Paths.ClaudeBin = bin
	}

	defs, err := loadDefinitions(cfg.Paths.TasksDir)
	if err != nil {
		return nil, fmt.Errorf("loading task definitions: %w", err)
	}

	secretsMap, err := secrets.Load(cfg.Paths.SecretsFile, log)
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}

	return &app{cfg: cfg, definitions: defs, secretsMap: secretsMap, log: log}, nil
}

// loadDefinitions reads every tasks/*.yaml file into a name-keyed map.
// An unreadable or unparseable file fails the load: a half-visible
// task set silently skews dispatch, install, and doctor alike.
func loadDefinitions(tasksDir string) (map[string]task.Definition, error) {
	defs := map[string]task.Definition{}

	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return defs, nil
		}
		return nil, fmt.Errorf("reading %s: %w", tasksDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(tasksDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var def task.Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// buildEngine assembles an *engine.Engine from a loaded app: the
// queue, executor, cleanup, notifier, and cron manager, each an
// explicit field so nothing here relies on package-level state.
func (a *app) buildEngine() (*engine.Engine, error) {
	store, openResult, err := queue.Open(a.cfg.Paths.QueueFile, a.cfg.Paths.BackupsDir, clock.Real{})
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	lock := queue.NewLock(a.cfg.Paths.LockFile)

	graceWindow := time.Duration(a.cfg.Cleanup.GraceWindowSeconds) * time.Second
	cleaner := cleanup.New(graceWindow, a.cfg.Cleanup.ToolAllowlist)

	eventLog, err := eventlog.Open(a.cfg.Paths.EventLog)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	if openResult.Recovered {
		a.log.Warn("queue state was corrupt and has been reset",
			slog.String("archived_to", openResult.ArchivePath))
		if err := eventLog.Append(eventlog.Event{
			Timestamp: time.Now(),
			Type:      eventlog.QueueCorrupt,
			Details:   map[string]any{"archived_to": openResult.ArchivePath},
		}); err != nil {
			a.log.Warn("failed to record queue_corrupt event", slog.Any("error", err))
		}
	}

	var notifier executor.Notifier
	if a.cfg.Notify == nil || a.cfg.Notify.Enabled {
		notifier = notify.OS()
	}

	exec := executor.New(a.cfg.Paths.ClaudeBin, cleaner, notifier, &handlerLogger{a.log}, a.log)

	extraArgs := a.cfg.Executor.ExtraArgs
	if env := os.Getenv("CLODPUTER_EXTRA_ARGS"); env != "" {
		extraArgs = append(append([]string{}, extraArgs...), strings.Fields(env)...)
	}

	eng := engine.New(store, lock, exec, a.definitions, a.secretsMap, extraArgs, eventLog, a.log)

	if a.cfg.Resources != nil && a.cfg.Resources.Enabled {
		eng.Gate = queue.ThresholdGate{
			MaxCPUPercent:    a.cfg.Resources.MaxCPUPercent,
			MaxMemoryPercent: a.cfg.Resources.MaxMemoryPercent,
			NumCPU:           runtime.NumCPU(),
		}
	}

	eng.Cron = cron.NewManager(a.cfg.Cron.BackupsDir, clodputerBin(), a.cfg.Cron.CronLog)

	return eng, nil
}

// clodputerBin resolves the path cron lines should invoke: the running
// binary itself, falling back to a PATH lookup name.
func clodputerBin() string {
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return "clodputer"
}

// schedules collects one cron.TaskSchedule per enabled task that
// carries a schedule, converting interval triggers to cron expressions
// and validating every expression up front.
func (a *app) schedules() ([]cron.TaskSchedule, error) {
	var out []cron.TaskSchedule
	for _, def := range a.definitions {
		if !def.Enabled {
			continue
		}
		expr, tz, ok, err := scheduleFor(def)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, cron.TaskSchedule{
			TaskName:   def.Name,
			Expression: expr,
			Timezone:   tz,
			EnvExports: a.cfg.Cron.EnvExports,
		})
	}
	// map iteration order is random; render deterministically so two
	// installs from the same task set produce identical crontabs.
	sortSchedules(out)
	return out, nil
}

// scheduleFor resolves def's trigger to a validated cron expression,
// reporting ok=false for manual and watch triggers.
func scheduleFor(def task.Definition) (expr, tz string, ok bool, err error) {
	switch trig := def.Resolve().(type) {
	case task.CronTrigger:
		if err := cron.ValidateExpression(trig.Expression); err != nil {
			return "", "", false, fmt.Errorf("task %s: %w", def.Name, err)
		}
		return trig.Expression, trig.Timezone, true, nil
	case task.IntervalTrigger:
		expr, err := cron.IntervalToExpression(trig.Seconds)
		if err != nil {
			return "", "", false, fmt.Errorf("task %s: %w", def.Name, err)
		}
		tz := ""
		if def.Schedule != nil {
			tz = def.Schedule.Timezone
		}
		return expr, tz, true, nil
	default:
		return "", "", false, nil
	}
}

func sortSchedules(s []cron.TaskSchedule) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].TaskName < s[j-1].TaskName; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// watchTriggers collects the watcher.Trigger list for every enabled
// task with a file-watch trigger.
func (a *app) watchTriggers() []watcherTrigger {
	var out []watcherTrigger
	for _, def := range a.definitions {
		trig, ok := def.Resolve().(task.WatchTrigger)
		if !ok || !def.Enabled {
			continue
		}
		out = append(out, watcherTrigger{
			TaskName:   def.Name,
			Path:       trig.Path,
			Glob:       trig.Glob,
			Event:      trig.Event,
			DebounceMS: trig.DebounceMS,
		})
	}
	return out
}

// watcherTrigger is the flattened trigger shape shared by the watch
// command and doctor's trigger-liveness check.
type watcherTrigger struct {
	TaskName   string
	Path       string
	Glob       string
	Event      string
	DebounceMS int
}

// handlerLogger routes on_success/on_failure log actions into the
// structured slog stream. execution.log's event set is closed, so
// free-form handler lines belong in the operational log instead.
type handlerLogger struct {
	log *slog.Logger
}

func (h *handlerLogger) LogLine(line string) error {
	h.log.Info(line, slog.Bool("handler", true))
	return nil
}
