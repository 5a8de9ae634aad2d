package cron

import (
	"context"
	"testing"
	"time"

	"github.com/remyolson/clodputer/internal/clock"
)

type fakeRunner struct {
	text string
}

func (f *fakeRunner) Read(ctx context.Context) (string, error) {
	return f.text, nil
}

func (f *fakeRunner) Write(ctx context.Context, text string) error {
	f.text = text
	return nil
}

func TestValidateExpressionRejectsMalformed(t *testing.T) {
	if err := ValidateExpression("not a cron expr"); err == nil {
		t.Fatalf("expected error for malformed expression")
	}
	if err := ValidateExpression("*/5 * * * *"); err != nil {
		t.Fatalf("expected valid expression to pass: %v", err)
	}
}

func TestIntervalToExpression(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
		wantErr bool
	}{
		{seconds: 60, want: "*/1 * * * *"},
		{seconds: 300, want: "*/5 * * * *"},
		{seconds: 3600, want: "0 */1 * * *"},
		{seconds: 7200, want: "0 */2 * * *"},
		{seconds: 86400, want: "0 0 * * *"},
		{seconds: 90, wantErr: true},
		{seconds: 30, wantErr: true},
		{seconds: 90000, wantErr: true},
	}
	for _, c := range cases {
		got, err := IntervalToExpression(c.seconds)
		if c.wantErr {
			if err == nil {
				t.Errorf("seconds=%d: expected error", c.seconds)
			}
			continue
		}
		if err != nil {
			t.Errorf("seconds=%d: unexpected error: %v", c.seconds, err)
			continue
		}
		if got != c.want {
			t.Errorf("seconds=%d: got %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestPreviewNextHonorsDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Spring-forward 2026: clocks jump from 2:00 to 3:00 on 2026-03-08.
	from := time.Date(2026, 3, 7, 12, 0, 0, 0, loc)
	times, err := PreviewNext("0 2 * * *", "America/New_York", from, 3)
	if err != nil {
		t.Fatalf("PreviewNext: %v", err)
	}
	for _, ts := range times {
		if ts.Hour() == 2 && ts.Day() == 8 && ts.Month() == time.March {
			t.Fatalf("expected the skipped 2am on DST spring-forward day to produce no firing, got %v", ts)
		}
	}
}

func TestRoundTripInstallUninstallPreservesSurroundingContent(t *testing.T) {
	runner := &fakeRunner{text: "# user line 1\n0 3 * * * /usr/bin/backup.sh\n"}
	mgr := &Manager{Runner: runner, Clock: clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), BackupsDir: t.TempDir(), ClodputerBin: "/usr/local/bin/clodputer", CronLog: "/var/log/clodputer-cron.log"}

	schedules := []TaskSchedule{{TaskName: "daily-report", Expression: "0 9 * * *", Timezone: "UTC"}}

	if err := mgr.Install(context.Background(), schedules); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if !containsLine(runner.text, "# user line 1") || !containsLine(runner.text, "0 3 * * * /usr/bin/backup.sh") {
		t.Fatalf("expected pre-existing crontab content to be preserved, got:\n%s", runner.text)
	}
	block, found := ExtractBlock(runner.text)
	if !found || len(block) == 0 {
		t.Fatalf("expected managed block to be installed, got:\n%s", runner.text)
	}

	if err := mgr.Uninstall(context.Background()); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, found := ExtractBlock(runner.text); found {
		t.Fatalf("expected managed block to be removed after uninstall, got:\n%s", runner.text)
	}
	if !containsLine(runner.text, "# user line 1") || !containsLine(runner.text, "0 3 * * * /usr/bin/backup.sh") {
		t.Fatalf("expected pre-existing crontab content to survive uninstall, got:\n%s", runner.text)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	runner := &fakeRunner{text: ""}
	mgr := &Manager{Runner: runner, Clock: clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), BackupsDir: t.TempDir(), ClodputerBin: "/usr/local/bin/clodputer", CronLog: "/var/log/clodputer-cron.log"}

	schedules := []TaskSchedule{{TaskName: "daily-report", Expression: "0 9 * * *", Timezone: "UTC"}}

	if err := mgr.Install(context.Background(), schedules); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	first := runner.text

	if err := mgr.Install(context.Background(), schedules); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if runner.text != first {
		t.Fatalf("expected re-installing the same schedules to be idempotent:\nfirst:\n%s\nsecond:\n%s", first, runner.text)
	}
}

func TestDiagnoseReportsDrift(t *testing.T) {
	runner := &fakeRunner{text: ""}
	mgr := &Manager{Runner: runner, Clock: clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), BackupsDir: t.TempDir(), ClodputerBin: "/usr/local/bin/clodputer", CronLog: "/var/log/clodputer-cron.log"}

	report, err := mgr.Diagnose(context.Background(), []TaskSchedule{{TaskName: "daily-report", Expression: "0 9 * * *", Timezone: "UTC"}})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if report.BlockExists {
		t.Fatalf("expected no block to exist yet")
	}
	if len(report.Drift) == 0 {
		t.Fatalf("expected drift to list the to-be-installed lines")
	}
}

func containsLine(text, want string) bool {
	for _, l := range splitLines(text) {
		if l == want {
			return true
		}
	}
	return false
}
