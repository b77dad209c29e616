// Package cron parses the maintenance schedule.
//
// Expressions use the five standard fields or a descriptor ("@hourly",
// "@every 10m"). They are evaluated in UTC unless prefixed with
// "CRON_TZ=<zone> ".
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields activation times.
type Schedule interface {
	Next(after time.Time) time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse compiles a schedule expression.
func Parse(expression string) (Schedule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, fmt.Errorf("parse schedule: empty expression")
	}
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=UTC " + expr
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expression, err)
	}
	return sched, nil
}

// Every returns a schedule firing at a fixed interval.
func Every(d time.Duration) Schedule {
	return cron.Every(d)
}

// Until returns how long to wait from now for the next activation.
func Until(s Schedule, now time.Time) time.Duration {
	d := s.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
