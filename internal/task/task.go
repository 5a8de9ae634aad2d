// Package task defines the task-definition data model the engine consumes.
//
// Task definitions are produced by an external, already-validated loader
// (the CLI's YAML layer, out of scope for this module per its
// specification); this package only declares the shape the engine reads
// and the sum types ("tagged variants") that replace string-keyed
// polymorphism for triggers and handler actions.
package task

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Priority is a closed enumeration; the zero value (empty) is ordered
// like PriorityNormal by the queue.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// UnmarshalYAML validates the decoded priority against the closed set.
func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Priority(s) {
	case "":
		*p = PriorityNormal
	case PriorityNormal, PriorityHigh:
		*p = Priority(s)
	default:
		return fmt.Errorf("task: invalid priority %q", s)
	}
	return nil
}

// PermissionMode mirrors the assistant CLI's --permission-mode values.
// The engine never interprets these; it passes them through verbatim.
type PermissionMode string

// Definition is a single task definition, assumed already validated
// by the caller. Name must be unique and filename-safe.
type Definition struct {
	Name        string        `yaml:"name"`
	Enabled     bool          `yaml:"enabled"`
	Priority    Priority      `yaml:"priority"`
	Schedule    *ScheduleSpec `yaml:"schedule,omitempty"`
	TriggerSpec *WatchSpec    `yaml:"trigger,omitempty"`
	Task        TaskBody      `yaml:"task"`

	MaxRetries          int `yaml:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`

	OnSuccess []Action `yaml:"on_success"`
	OnFailure []Action `yaml:"on_failure"`
}

// ScheduleSpec is the YAML shape of a cron-style or interval schedule.
// Exactly one of Expression or IntervalSeconds is expected to be set;
// IntervalSeconds takes a task author straight to "every N seconds"
// without hand-writing a cron expression, and is normalized into one
// by the cron manager at install time.
type ScheduleSpec struct {
	Expression      string `yaml:"expression,omitempty"`
	IntervalSeconds int    `yaml:"interval_seconds,omitempty"`
	Timezone        string `yaml:"timezone"`
}

// WatchSpec is the YAML shape of a file-watch trigger.
type WatchSpec struct {
	Path       string `yaml:"path"`
	Glob       string `yaml:"glob"`
	Event      string `yaml:"event"` // created|modified|deleted, empty = any
	DebounceMS int    `yaml:"debounce_ms"`
}

// TaskBody is the part of a task definition that drives the Executor.
type TaskBody struct {
	Prompt           string            `yaml:"prompt"`
	AllowedTools     []string          `yaml:"allowed_tools"`
	DisallowedTools  []string          `yaml:"disallowed_tools"`
	PermissionMode   PermissionMode    `yaml:"permission_mode"`
	TimeoutSeconds   int               `yaml:"timeout_seconds"`
	Context          map[string]string `yaml:"context"`
	MCPConfigPath    string            `yaml:"mcp_config,omitempty"`
}

// Action is the sum type over {Log(template), Notify(bool)}.
// Exactly one of Log or Notify is populated; both are kept as typed
// pointers rather than a string-keyed map so callers cannot construct
// an action that is neither.
type Action struct {
	Log    *LogAction    `yaml:"log,omitempty"`
	Notify *NotifyAction `yaml:"notify,omitempty"`
}

// LogAction appends a substituted line to the structured log.
type LogAction struct {
	Template string `yaml:"template"`
}

// NotifyAction raises (or suppresses) a best-effort OS notification.
type NotifyAction struct {
	Enabled bool `yaml:"enabled"`
}

// Trigger is the sum type over {Manual, Cron, Watch, Interval}.
// Resolve converts a Definition's Schedule/TriggerSpec fields into a
// concrete Trigger value; a Definition with neither is ManualTrigger.
type Trigger interface {
	isTrigger()
}

type ManualTrigger struct{}

func (ManualTrigger) isTrigger() {}

type CronTrigger struct {
	Expression string
	Timezone   string
}

func (CronTrigger) isTrigger() {}

type WatchTrigger struct {
	Path       string
	Glob       string
	Event      string
	DebounceMS int
}

func (WatchTrigger) isTrigger() {}

// IntervalTrigger is seconds-based; the cron manager normalizes it
// into an equivalent CronTrigger at install time.
type IntervalTrigger struct {
	Seconds int
}

func (IntervalTrigger) isTrigger() {}

// Resolve returns the concrete Trigger implied by the definition.
// Schedule and TriggerSpec are mutually exclusive by construction
// (validated upstream); if both are somehow set, Schedule wins.
func (d *Definition) Resolve() Trigger {
	switch {
	case d.Schedule != nil && d.Schedule.IntervalSeconds > 0:
		return IntervalTrigger{Seconds: d.Schedule.IntervalSeconds}
	case d.Schedule != nil:
		return CronTrigger{Expression: d.Schedule.Expression, Timezone: d.Schedule.Timezone}
	case d.TriggerSpec != nil:
		return WatchTrigger{
			Path:       d.TriggerSpec.Path,
			Glob:       d.TriggerSpec.Glob,
			Event:      d.TriggerSpec.Event,
			DebounceMS: d.TriggerSpec.DebounceMS,
		}
	default:
		return ManualTrigger{}
	}
}
