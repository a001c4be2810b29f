package cron

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// OnceSentinel marks a one-shot schedule that fires once at next_run_at.
const OnceSentinel = "@once"

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow). Expressions are evaluated in UTC.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateExpression rejects malformed cron expressions at registration
// time with a descriptive error. The OnceSentinel is valid; everything
// else must be exactly 5 whitespace-separated, parseable fields.
func ValidateExpression(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("cron expression is empty")
	}
	if expr == OnceSentinel {
		return nil
	}
	if strings.HasPrefix(expr, "@") {
		return fmt.Errorf("unsupported cron shorthand %q: only %s and 5-field expressions are accepted", expr, OnceSentinel)
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("cron expression %q has %d fields, want 5 (minute hour day month weekday)", expr, len(fields))
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron expression %q is not parseable: %w", expr, err)
	}
	return nil
}

// NextRunTime returns the first fire time of expr strictly after the
// given instant, in UTC.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(after.UTC()), nil
}
