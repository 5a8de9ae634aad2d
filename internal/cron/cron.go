// Package cron manages a delimited block inside the host's real user
// crontab, validated and previewed with robfig/cron/v3.
//
// robfig/cron's in-process scheduler (cron.Cron) is deliberately not
// used to run anything: a schedule trigger must survive the engine
// process exiting, so firing is delegated to the host's real crontab
// via the crontab(1) binary. The library is kept for what it is good
// at, parsing/validating expressions and computing next-fire times
// with DST handled correctly.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// BeginMarker and EndMarker bracket the managed block inside the
// user's crontab. Everything between them is owned by clodputer;
// nothing outside them is ever touched.
const (
	BeginMarker = "# CLODPUTER_BEGIN"
	EndMarker   = "# CLODPUTER_END"
)

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateExpression parses expr as a standard 5-field cron expression,
// returning an error if it is malformed.
func ValidateExpression(expr string) error {
	_, err := standardParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	return nil
}

// PreviewNext computes the next n firing times for expr in the named
// timezone, honoring DST transitions (skipped hours produce no
// firing, repeated hours fire once). from is the reference time to
// preview from, normally the current instant.
func PreviewNext(expr, timezone string, from time.Time, n int) ([]time.Time, error) {
	schedule, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("cron: invalid timezone %q: %w", timezone, err)
		}
	}

	cursor := from.In(loc)
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		cursor = schedule.Next(cursor)
		out = append(out, cursor)
	}
	return out, nil
}

// IntervalToExpression converts an interval trigger's period (seconds)
// into an equivalent cron expression. The period must be a multiple of
// 60 and within [60, 86400]; anything that doesn't reduce to a clean
// "*/N * * * *" or "0 */H * * *" form is rejected at validation time
// rather than approximated.
func IntervalToExpression(seconds int) (string, error) {
	if seconds < 60 || seconds > 86400 {
		return "", fmt.Errorf("cron: interval %ds out of range [60,86400]", seconds)
	}
	if seconds%60 != 0 {
		return "", fmt.Errorf("cron: interval %ds is not a multiple of 60", seconds)
	}

	minutes := seconds / 60
	switch {
	case minutes == 1440:
		return "0 0 * * *", nil
	case minutes < 60:
		return fmt.Sprintf("*/%d * * * *", minutes), nil
	case minutes%60 == 0:
		hours := minutes / 60
		return fmt.Sprintf("0 */%d * * *", hours), nil
	default:
		return "", fmt.Errorf("cron: interval %ds (%d minutes) has no clean */N cron form", seconds, minutes)
	}
}

// TaskSchedule is the minimal shape the manager needs per enabled
// scheduled task.
type TaskSchedule struct {
	TaskName   string
	Expression string
	Timezone   string
	EnvExports []string // "KEY=VALUE", rendered before the binary invocation
}

// RenderLine renders one managed-block crontab line for sched:
// "<expression> <env exports> <clodputer-bin> run <task-name> >>
// <cron-log> 2>&1". Timezone is not embedded in this line; see
// RenderBlock, which precedes timezone-carrying lines
// with a CRON_TZ directive instead, since that is how a real crontab
// interprets timezone (a directive scoping subsequent lines, not an
// inline per-field token).
func RenderLine(sched TaskSchedule, clodputerBin, cronLog string) string {
	var env string
	if len(sched.EnvExports) > 0 {
		env = strings.Join(sched.EnvExports, " ") + " "
	}

	return fmt.Sprintf("%s %s%s run %s >> %s 2>&1", sched.Expression, env, clodputerBin, sched.TaskName, cronLog)
}

// RenderBlock renders the full managed block (markers included) for
// the given schedules. A CRON_TZ directive is emitted whenever a
// task's timezone differs from the previously rendered one, and reset
// to empty before the end marker so the directive never leaks into
// crontab content the manager does not own.
func RenderBlock(schedules []TaskSchedule, clodputerBin, cronLog string) string {
	var b strings.Builder
	b.WriteString(BeginMarker)
	b.WriteString("\n")

	lastTZ := ""
	for _, sched := range schedules {
		if sched.Timezone != lastTZ {
			fmt.Fprintf(&b, "CRON_TZ=%s\n", sched.Timezone)
			lastTZ = sched.Timezone
		}
		b.WriteString(RenderLine(sched, clodputerBin, cronLog))
		b.WriteString("\n")
	}
	if lastTZ != "" {
		b.WriteString("CRON_TZ=\n")
	}

	b.WriteString(EndMarker)
	b.WriteString("\n")
	return b.String()
}
