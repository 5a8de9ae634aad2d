package cron

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/remyolson/clodputer/internal/clock"
)

// Manager owns the install/uninstall/preview/diagnostics operations
// against the host's real crontab.
type Manager struct {
	Runner       Runner
	Clock        clock.Clock
	BackupsDir   string
	ClodputerBin string
	CronLog      string
}

// NewManager returns a Manager using the production ExecRunner and a
// real clock.
func NewManager(backupsDir, clodputerBin, cronLog string) *Manager {
	return &Manager{
		Runner:       ExecRunner{},
		Clock:        clock.Real{},
		BackupsDir:   backupsDir,
		ClodputerBin: clodputerBin,
		CronLog:      cronLog,
	}
}

// Install renders the managed block for schedules, backs up the prior
// crontab, and writes the new crontab.
func (m *Manager) Install(ctx context.Context, schedules []TaskSchedule) error {
	current, err := m.Runner.Read(ctx)
	if err != nil {
		return err
	}

	if err := m.backup(current); err != nil {
		return err
	}

	newBlock := RenderBlock(schedules, m.ClodputerBin, m.CronLog)
	updated := ReplaceBlock(current, newBlock)

	return m.Runner.Write(ctx, updated)
}

// Uninstall removes the managed block, restoring the crontab to its
// pre-install shape. The prior crontab is still backed up first.
func (m *Manager) Uninstall(ctx context.Context) error {
	current, err := m.Runner.Read(ctx)
	if err != nil {
		return err
	}

	if err := m.backup(current); err != nil {
		return err
	}

	return m.Runner.Write(ctx, RemoveBlock(current))
}

// backup writes the prior crontab text to a timestamped file under
// BackupsDir before any write, so Uninstall/Install are always
// recoverable.
func (m *Manager) backup(current string) error {
	if m.BackupsDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.BackupsDir, 0o755); err != nil {
		return fmt.Errorf("cron: creating backups dir: %w", err)
	}

	ts := m.Clock.Now().UTC().Format("20060102T150405.000000000Z")
	path := filepath.Join(m.BackupsDir, fmt.Sprintf("crontab.%s.bak", ts))
	if err := os.WriteFile(path, []byte(current), 0o644); err != nil {
		return fmt.Errorf("cron: writing backup %s: %w", path, err)
	}
	return nil
}

// Report is the read-only diagnostics surface.
type Report struct {
	BlockExists bool
	LineCount   int
	// Drift lists lines the installed block and the would-be-installed
	// block disagree on (added or removed relative to current).
	Drift []string
}

// Diagnose compares the currently installed managed block against what
// would be installed from schedules, without writing anything.
func (m *Manager) Diagnose(ctx context.Context, schedules []TaskSchedule) (Report, error) {
	current, err := m.Runner.Read(ctx)
	if err != nil {
		return Report{}, err
	}

	existing, found := ExtractBlock(current)
	wantBlock := RenderBlock(schedules, m.ClodputerBin, m.CronLog)
	want, _ := ExtractBlock(wantBlock)

	report := Report{BlockExists: found, LineCount: len(existing)}
	report.Drift = diffLines(existing, want)
	return report, nil
}

// diffLines returns a simple additions/removals summary: lines in
// want but not have, prefixed "+", and lines in have but not want,
// prefixed "-". Order within each set follows want/have respectively.
func diffLines(have, want []string) []string {
	haveSet := make(map[string]bool, len(have))
	for _, l := range have {
		haveSet[l] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, l := range want {
		wantSet[l] = true
	}

	var drift []string
	for _, l := range want {
		if !haveSet[l] {
			drift = append(drift, "+"+l)
		}
	}
	for _, l := range have {
		if !wantSet[l] {
			drift = append(drift, "-"+l)
		}
	}
	return drift
}

// PreviewInstall computes the rendered block without writing it,
// useful for install --dry-run style commands.
func PreviewInstall(schedules []TaskSchedule, clodputerBin, cronLog string) string {
	return RenderBlock(schedules, clodputerBin, cronLog)
}
