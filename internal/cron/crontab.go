package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner wraps the host's crontab(1) binary. clodputer never edits a
// crontab file directly, so the system cron daemon's own locking and
// reload mechanism is always the one in effect.
type Runner interface {
	// Read returns the current user crontab text, or ("", nil) if the
	// user has none yet (crontab -l exits non-zero with "no crontab for
	// <user>" in that case, which Read treats as empty rather than an
	// error).
	Read(ctx context.Context) (string, error)
	// Write installs text as the user's entire crontab.
	Write(ctx context.Context, text string) error
}

// ExecRunner is the production Runner, shelling out to the real
// crontab binary on PATH.
type ExecRunner struct{}

func (ExecRunner) Read(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(stderr.String()), "no crontab") {
		return "", nil
	}
	return "", fmt.Errorf("cron: reading crontab: %w: %s", err, stderr.String())
}

func (ExecRunner) Write(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cron: installing crontab: %w: %s", err, stderr.String())
	}
	return nil
}
