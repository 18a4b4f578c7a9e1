package controller

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron"
)

// ScheduleType classifies a cron schedule by the gap between its next
// two fire times: a gap of exactly one second means the schedule fires
// continuously across a maintenance window (Windowed); anything else
// means the schedule fires at discrete points in time (Oneshot).
type ScheduleType int

const (
	// Windowed schedules gate controller activity to spans of time
	// when the current moment satisfies the cron expression.
	Windowed ScheduleType = iota
	// Oneshot schedules never gate; once their first firing has
	// passed, the controller proceeds continuously.
	Oneshot
)

// defaultCronExpression fires every second, forever: with no schedule
// configured, the controller never waits for a maintenance window.
const defaultCronExpression = "* * * * * *"

// Scheduler wraps a parsed cron.Schedule together with its classification.
type Scheduler struct {
	schedule     cron.Schedule
	scheduleType ScheduleType
	firstFiring  time.Time
}

// cronParser accepts 6 fields: second, minute, hour, day-of-month,
// month, day-of-week. The upstream format used by the original
// implementation also carries a trailing "year" field; robfig/cron has
// no year field, so SCHEDULER_CRON_EXPRESSION's optional 7th field is
// accepted but ignored if present (see DESIGN.md).
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// FromEnvironment builds a Scheduler from the SCHEDULER_CRON_EXPRESSION,
// UPDATE_WINDOW_START, and UPDATE_WINDOW_STOP environment variables,
// following the precedence rules:
//   - cron expression and window both set: use the cron expression,
//     with a warning returned for the caller to log.
//   - neither set: default to a schedule that never gates.
//   - only the window set: convert it to a windowed cron expression.
//   - only the cron expression set: use it as given.
//   - exactly one of start/stop set: a fatal configuration error.
func FromEnvironment(cronExpr, windowStart, windowStop string) (*Scheduler, string, error) {
	hasCron := cronExpr != ""
	hasStart := windowStart != ""
	hasStop := windowStop != ""

	if hasStart != hasStop {
		return nil, "", fmt.Errorf("both UPDATE_WINDOW_START and UPDATE_WINDOW_STOP must be set together")
	}

	var warning string
	var expr string
	switch {
	case hasCron && hasStart:
		warning = "both SCHEDULER_CRON_EXPRESSION and UPDATE_WINDOW_START/STOP are set; using the cron expression"
		expr = cronExpr
	case hasCron:
		expr = cronExpr
	case hasStart:
		converted, err := legacyWindowToCron(windowStart, windowStop)
		if err != nil {
			return nil, "", err
		}
		expr = converted
	default:
		expr = defaultCronExpression
	}

	s, err := NewScheduler(expr)
	return s, warning, err
}

// NewScheduler parses a cron expression and classifies it.
func NewScheduler(expr string) (*Scheduler, error) {
	// Accept (and ignore) an optional trailing year field.
	fields := strings.Fields(expr)
	if len(fields) == 7 {
		expr = strings.Join(fields[:6], " ")
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	now := time.Now()
	first := schedule.Next(now)
	second := schedule.Next(first)

	scheduleType := Oneshot
	if second.Sub(first) == time.Second {
		scheduleType = Windowed
	}

	return &Scheduler{schedule: schedule, scheduleType: scheduleType, firstFiring: first}, nil
}

// Type reports whether the schedule is Windowed or Oneshot.
func (s *Scheduler) Type() ScheduleType {
	return s.scheduleType
}

// Includes reports whether now satisfies the schedule: the next fire
// time computed from one second before now is no later than now.
func (s *Scheduler) Includes(now time.Time) bool {
	next := s.schedule.Next(now.Add(-time.Second))
	return !next.After(now)
}

// ShouldDiscontinueUpdates reports whether the controller must refrain
// from advancing any shadow at the given time: true for a Windowed
// schedule whose window the given time falls outside of, always false
// for a Oneshot schedule (which gates only until its first firing, a
// concern handled by the caller checking HasFired).
func (s *Scheduler) ShouldDiscontinueUpdates(now time.Time) bool {
	if s.scheduleType == Oneshot {
		return false
	}
	return !s.Includes(now)
}

// HasFired reports whether a Oneshot schedule's single firing has
// already occurred by the given time.
func (s *Scheduler) HasFired(now time.Time) bool {
	return !now.Before(s.firstFiring)
}

// legacyWindowToCron converts an HH:MM:SS start/stop pair into a
// windowed 6-field cron expression, following the original
// implementation's wraparound handling when stop < start.
func legacyWindowToCron(start, stop string) (string, error) {
	startHour, err := hourOf(start)
	if err != nil {
		return "", fmt.Errorf("invalid UPDATE_WINDOW_START %q: %w", start, err)
	}
	stopHour, err := hourOf(stop)
	if err != nil {
		return "", fmt.Errorf("invalid UPDATE_WINDOW_STOP %q: %w", stop, err)
	}

	if stopHour < startHour {
		return fmt.Sprintf("* * %d-23,0-%d * * *", startHour, stopHour), nil
	}
	return fmt.Sprintf("* * %d-%d * * *", startHour, stopHour), nil
}

func hourOf(hhmmss string) (int, error) {
	parts := strings.Split(hhmmss, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("expected HH:MM:SS")
	}
	return strconv.Atoi(parts[0])
}
