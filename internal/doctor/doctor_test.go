package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/remyolson/clodputer/internal/clock"
	"github.com/remyolson/clodputer/internal/cron"
	"github.com/remyolson/clodputer/internal/queue"
)

type fakeRunner struct{ text string }

func (f *fakeRunner) Read(ctx context.Context) (string, error)     { return f.text, nil }
func (f *fakeRunner) Write(ctx context.Context, text string) error { f.text = text; return nil }

func TestCheckLockMissingFile(t *testing.T) {
	status := CheckLock(filepath.Join(t.TempDir(), "nonexistent.lock"))
	if status.Held || status.Stale {
		t.Fatalf("expected neither held nor stale for a missing lockfile, got %+v", status)
	}
}

func TestCheckLockLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clodputer.lock")
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatal(err)
	}

	status := CheckLock(path)
	if !status.Held || status.Stale {
		t.Fatalf("expected a lockfile naming the current process to be held, got %+v", status)
	}
	if status.PID != pid {
		t.Fatalf("expected pid %d, got %d", pid, status.PID)
	}
}

func TestCheckLockStaleProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clodputer.lock")
	// PID 1 always exists; pick an implausibly large PID instead, which
	// on any normal system names no live process.
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	status := CheckLock(path)
	if status.Held || !status.Stale {
		t.Fatalf("expected a lockfile naming a dead process to be stale, got %+v", status)
	}
}

func TestCheckLockGarbageContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clodputer.lock")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	status := CheckLock(path)
	if !status.Stale {
		t.Fatalf("expected unparseable lockfile contents to be reported stale, got %+v", status)
	}
}

func TestCheckTriggersReportsExistenceAndAbsence(t *testing.T) {
	dir := t.TempDir()
	triggers := []TriggerStatus{
		{TaskName: "present", Path: dir},
		{TaskName: "absent", Path: filepath.Join(dir, "does-not-exist")},
	}

	out := CheckTriggers(triggers)
	if !out[0].PathExists {
		t.Fatalf("expected existing directory to be reported present")
	}
	if out[1].PathExists {
		t.Fatalf("expected missing directory to be reported absent")
	}
}

func TestBuildAssemblesFullReport(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "clodputer.lock")
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	statePath := filepath.Join(dir, "queue.json")
	backupsDir := filepath.Join(dir, "backups")
	store, _, err := queue.Open(statePath, backupsDir, clock.NewFake(clock.Real{}.Now()))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	triggers := []TriggerStatus{{TaskName: "watch-task", Path: dir}}

	runner := &fakeRunner{}
	mgr := &cron.Manager{Runner: runner, Clock: clock.Real{}, BackupsDir: backupsDir, ClodputerBin: "clodputer", CronLog: filepath.Join(dir, "cron.log")}
	schedules := []cron.TaskSchedule{{TaskName: "nightly", Expression: "0 4 * * *", Timezone: "UTC"}}
	if err := mgr.Install(context.Background(), schedules); err != nil {
		t.Fatalf("Install: %v", err)
	}

	report, err := Build(context.Background(), lockPath, store, triggers, mgr, schedules, 10)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !report.Lock.Held {
		t.Fatalf("expected lock to be held, got %+v", report.Lock)
	}
	if len(report.Triggers) != 1 || !report.Triggers[0].PathExists {
		t.Fatalf("expected one present trigger, got %+v", report.Triggers)
	}
	if !report.Cron.BlockExists {
		t.Fatalf("expected cron block to exist after install, got %+v", report.Cron)
	}
	if len(report.Cron.Drift) != 0 {
		t.Fatalf("expected no drift immediately after install, got %v", report.Cron.Drift)
	}
}

func TestBuildWithoutCronManagerSkipsCronReport(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "clodputer.lock")
	statePath := filepath.Join(dir, "queue.json")
	backupsDir := filepath.Join(dir, "backups")
	store, _, err := queue.Open(statePath, backupsDir, clock.NewFake(clock.Real{}.Now()))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	report, err := Build(context.Background(), lockPath, store, nil, nil, nil, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.Cron.BlockExists {
		t.Fatalf("expected zero-value cron report when no manager is supplied")
	}
}
