package core

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"netcollect/internal/apperr"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Unit is the granularity of an interval recurrence.
type Unit string

const (
	UnitSeconds Unit = "seconds"
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
)

// Recurrence is either a fixed interval or a 5-field cron expression.
type Recurrence struct {
	Unit     Unit   `json:"interval_type,omitempty"`
	Interval int    `json:"interval_value,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// Validate checks the recurrence and normalizes the unit.
func (r *Recurrence) Validate() error {
	if strings.TrimSpace(r.Cron) != "" {
		r.Cron = strings.TrimSpace(r.Cron)
		if _, err := ParseCron(r.Cron); err != nil {
			return apperr.Validation("cron", err.Error())
		}
		return nil
	}
	switch Unit(strings.ToLower(string(r.Unit))) {
	case UnitSeconds, "second":
		r.Unit = UnitSeconds
	case UnitMinutes, "minute":
		r.Unit = UnitMinutes
	case UnitHours, "hour":
		r.Unit = UnitHours
	case UnitDays, "day":
		r.Unit = UnitDays
	default:
		return apperr.Validation("interval_type",
			fmt.Sprintf("unsupported interval_type %q (supported: seconds, minutes, hours, days)", r.Unit))
	}
	if r.Interval < 1 {
		return apperr.Validation("interval_value", "interval_value must be at least 1")
	}
	if limit := int64(math.MaxInt64 / r.Unit.duration()); int64(r.Interval) > limit {
		return apperr.Validation("interval_value",
			fmt.Sprintf("interval_value must be at most %d %s", limit, r.Unit))
	}
	return nil
}

func (u Unit) duration() time.Duration {
	switch u {
	case UnitSeconds:
		return time.Second
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	}
	return 0
}

// Period returns the interval length; zero for cron recurrences.
func (r Recurrence) Period() time.Duration {
	if r.Cron != "" {
		return 0
	}
	return time.Duration(r.Interval) * r.Unit.duration()
}

// Schedule returns the cron schedule driving this recurrence.
func (r Recurrence) Schedule() (cron.Schedule, error) {
	if r.Cron != "" {
		return ParseCron(r.Cron)
	}
	d := r.Period()
	if d <= 0 || d/r.Unit.duration() != time.Duration(r.Interval) {
		return nil, fmt.Errorf("recurrence has no valid period")
	}
	return cron.Every(d), nil
}

// String renders the recurrence for logs.
func (r Recurrence) String() string {
	if r.Cron != "" {
		return "cron(" + r.Cron + ")"
	}
	return fmt.Sprintf("every %d %s", r.Interval, r.Unit)
}

// advance returns the first scheduled time after prev that is later than
// now. With no stall this is exactly one period after prev; whole periods
// missed during a stall are collapsed into one.
func advance(schedule cron.Schedule, period time.Duration, prev, now time.Time) time.Time {
	if period > 0 {
		next := prev.Add(period)
		if next.After(now) {
			return next
		}
		missed := now.Sub(prev) / period
		return prev.Add((missed + 1) * period)
	}
	next := schedule.Next(prev)
	if next.After(now) {
		return next
	}
	return schedule.Next(now)
}

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}

// Preview returns the next n firing times of r starting from base, at
// second resolution.
func Preview(r Recurrence, base time.Time, n int) ([]time.Time, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	schedule, err := r.Schedule()
	if err != nil {
		return nil, err
	}
	return NextOccurrences(schedule, base, n), nil
}
