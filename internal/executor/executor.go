package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/remyolson/clodputer/internal/cleanup"
	"github.com/remyolson/clodputer/internal/task"
)

// maxRawOutput is the raw-stdout preservation cap on parse failure.
const maxRawOutput = 64 * 1024

// reportedPayload is the error shape the assistant CLI emits when a
// task failed but the process itself exited cleanly.
type reportedPayload struct {
	Error *struct {
		Message   string `json:"message"`
		Retriable bool   `json:"retriable"`
	} `json:"error"`
}

// Notifier raises a best-effort host notification; its own failures
// never change a task's classified outcome.
type Notifier interface {
	Notify(title, body string) error
}

// HandlerLogger receives the substituted line of a handler's log
// action; kept as a narrow interface so Executor does not depend on a
// concrete log sink (the CLI routes these lines to the slog stream,
// not to execution.log).
type HandlerLogger interface {
	LogLine(line string) error
}

// Executor runs one queue item's task definition as an external
// assistant-CLI invocation.
type Executor struct {
	ClaudeBin string
	Cleaner   *cleanup.Cleaner
	Notifier  Notifier
	Logger    HandlerLogger

	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns an Executor. notifier/logger may be nil, in which case
// handler actions that need them are skipped with a warning.
func New(claudeBin string, cleaner *cleanup.Cleaner, notifier Notifier, logger HandlerLogger, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{ClaudeBin: claudeBin, Cleaner: cleaner, Notifier: notifier, Logger: logger, log: log}
}

// Run dispatches def's task body as an assistant-CLI invocation,
// enforces the task's timeout, classifies the result, and fires the
// matching handler list. extraArgs are appended to the constructed
// argv.
func (e *Executor) Run(ctx context.Context, def task.Definition, secretsMap map[string]string, extraArgs []string, samplePIDs func([]int)) Outcome {
	body := def.Task
	cmd := BuildCommand(e.ClaudeBin, body, body.Context, secretsMap, extraArgs)

	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	outcome := e.run(runCtx, cmd, samplePIDs)
	e.fireHandlers(def, outcome, body.Context)
	return outcome
}

// Cancel aborts the in-flight Run call, if any. The outcome it
// produces is KindCancelled rather than KindTimeout, since runCtx's
// own deadline was not what fired.
func (e *Executor) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Executor) run(ctx context.Context, cmd Command, samplePIDs func([]int)) Outcome {
	execCmd := exec.Command(cmd.Bin, cmd.Args...)
	if e.Cleaner != nil {
		e.Cleaner.Prepare(execCmd)
	}
	execCmd.Stdin = bytes.NewBufferString(cmd.Stdin)
	if cmd.Env != nil {
		execCmd.Env = cmd.Env
	}

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		return Outcome{Kind: KindConfig, Message: fmt.Sprintf("executor: stdout pipe: %v", err)}
	}
	stderrPipe, err := execCmd.StderrPipe()
	if err != nil {
		return Outcome{Kind: KindConfig, Message: fmt.Sprintf("executor: stderr pipe: %v", err)}
	}

	if err := execCmd.Start(); err != nil {
		return Outcome{Kind: KindConfig, Message: fmt.Sprintf("executor: starting %s: %v", cmd.Bin, err)}
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyCapped(&stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()

	if e.Cleaner != nil && samplePIDs != nil {
		go e.sampleLoop(ctx, execCmd, samplePIDs)
	}

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- execCmd.Wait()
	}()

	var waitErr error
	var aborted bool
	var abortCause error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		aborted = true
		abortCause = ctx.Err()
		if e.Cleaner != nil {
			e.Cleaner.Terminate(execCmd.Process.Pid)
		}
		waitErr = <-waitDone
	}

	// Cleanup runs unconditionally at task end: a normally exited
	// child can still leave tool processes behind in its group.
	if e.Cleaner != nil {
		e.Cleaner.Terminate(execCmd.Process.Pid)
		e.Cleaner.SweepOrphans()
	}

	if aborted {
		// context.DeadlineExceeded means the task's own timeout fired;
		// anything else (context.Canceled) means Cancel was called from
		// outside, i.e. the engine is shutting down.
		if abortCause == context.DeadlineExceeded {
			return Outcome{Kind: KindTimeout, Message: "task exceeded its timeout", RawOutput: capRaw(stdout.Bytes())}
		}
		return Outcome{Kind: KindCancelled, Message: "engine received a termination signal", RawOutput: capRaw(stdout.Bytes())}
	}

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		return Outcome{Kind: KindConfig, Message: fmt.Sprintf("executor: waiting for %s: %v", cmd.Bin, waitErr)}
	}

	return classify(exitCode, stdout.Bytes())
}

// sampleLoop periodically reports the child's process-tree pids while
// ctx is active.
func (e *Executor) sampleLoop(ctx context.Context, cmd *exec.Cmd, report func([]int)) {
	ticker := time.NewTicker(cleanup.DefaultSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			report(cleanup.SamplePIDs(cmd.Process.Pid))
		}
	}
}

// classify maps (exit code, stdout) to a terminal outcome kind.
func classify(exitCode int, rawStdout []byte) Outcome {
	trimmed := bytes.TrimSpace(rawStdout)

	var payload json.RawMessage
	parseErr := json.Unmarshal(trimmed, &payload)

	if parseErr != nil {
		// Non-zero exit with no parseable JSON is an exit failure; a
		// parse failure means the child claimed success (exit 0) but
		// emitted something unreadable.
		if exitCode != 0 {
			return Outcome{Kind: KindExit, Message: fmt.Sprintf("executor: exit code %d", exitCode), RawOutput: capRaw(rawStdout), ExitCode: exitCode}
		}
		return Outcome{Kind: KindParse, Message: "executor: stdout is not valid JSON", RawOutput: capRaw(rawStdout), ExitCode: exitCode}
	}

	var reported reportedPayload
	_ = json.Unmarshal(trimmed, &reported)

	if exitCode != 0 {
		if reported.Error != nil {
			return Outcome{Kind: KindReported, Message: reported.Error.Message, ReportedRetriable: reported.Error.Retriable, ExitCode: exitCode}
		}
		return Outcome{Kind: KindExit, Message: fmt.Sprintf("executor: exit code %d", exitCode), RawOutput: capRaw(rawStdout), ExitCode: exitCode}
	}

	if reported.Error != nil {
		return Outcome{Kind: KindReported, Message: reported.Error.Message, ReportedRetriable: reported.Error.Retriable, ExitCode: exitCode}
	}

	var output any
	if err := json.Unmarshal(trimmed, &output); err != nil {
		return Outcome{Kind: KindParse, Message: "executor: stdout is not valid JSON", RawOutput: capRaw(rawStdout), ExitCode: exitCode}
	}
	return Outcome{Kind: KindSuccess, Output: output, ExitCode: exitCode}
}

// fireHandlers runs the handler list matching outcome's success/failure
// classification. Each handler's own failure is logged at warning
// level and never changes the classified outcome.
func (e *Executor) fireHandlers(def task.Definition, outcome Outcome, context_ map[string]string) {
	actions := def.OnFailure
	if outcome.Kind == KindSuccess {
		actions = def.OnSuccess
	}

	for _, action := range actions {
		switch {
		case action.Log != nil:
			if e.Logger == nil {
				e.log.Warn("handler: log action configured but no logger wired", slog.String("task", def.Name))
				continue
			}
			line := SubstitutePlaceholders(action.Log.Template, context_, nil)
			if err := e.Logger.LogLine(line); err != nil {
				e.log.Warn("handler: log action failed", slog.String("task", def.Name), slog.Any("error", err))
			}
		case action.Notify != nil:
			if !action.Notify.Enabled {
				continue
			}
			if e.Notifier == nil {
				e.log.Warn("handler: notify action configured but no notifier wired", slog.String("task", def.Name))
				continue
			}
			if err := e.Notifier.Notify(def.Name, outcome.Message); err != nil {
				e.log.Warn("handler: notify action failed", slog.String("task", def.Name), slog.Any("error", err))
			}
		}
	}
}

func capRaw(b []byte) []byte {
	if len(b) <= maxRawOutput {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, maxRawOutput)
	copy(out, b[:maxRawOutput])
	return out
}

// copyCapped copies from r into dst, stopping once dst holds
// maxRawOutput+1 bytes (enough to know truncation occurred) to bound
// memory use against a runaway child.
func copyCapped(dst *bytes.Buffer, r io.Reader) {
	limited := io.LimitReader(r, maxRawOutput+1)
	buffered := bufio.NewReaderSize(limited, 64*1024)
	io.Copy(dst, buffered)
	io.Copy(io.Discard, r)
}
