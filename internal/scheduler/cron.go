package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser wraps robfig/cron for parsing cron expressions.
type CronParser struct {
	parser cron.Parser
}

// NewCronParser creates a new cron parser with standard options.
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Parse parses a cron expression and returns a schedule.
func (p *CronParser) Parse(expression string) (cron.Schedule, error) {
	schedule, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression: %w", err)
	}
	return schedule, nil
}

// ParseInterval parses an interval duration string (e.g., "5m", "1h", "30s").
func ParseInterval(interval string) (time.Duration, error) {
	duration, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("parsing interval: %w", err)
	}

	// cron.Every rounds down to whole seconds
	if duration < time.Second {
		return 0, fmt.Errorf("interval must be at least 1 second")
	}

	return duration, nil
}

// inLocation evaluates a schedule in a fixed timezone.
type inLocation struct {
	schedule cron.Schedule
	loc      *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// build turns a schedule definition into a cron.Schedule.
func (p *CronParser) build(s *Schedule) (cron.Schedule, error) {
	var (
		sched cron.Schedule
		err   error
	)
	switch s.Type {
	case ScheduleTypeCron, "":
		sched, err = p.Parse(s.Expression)
	case ScheduleTypeInterval:
		var d time.Duration
		d, err = ParseInterval(s.Expression)
		if err == nil {
			sched = cron.Every(d)
		}
	default:
		return nil, fmt.Errorf("unknown schedule type: %s", s.Type)
	}
	if err != nil {
		return nil, err
	}

	if s.Timezone == "" {
		return sched, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}
	return inLocation{schedule: sched, loc: loc}, nil
}

// NextRun calculates the next run time of s after the given time.
func (p *CronParser) NextRun(s *Schedule, after time.Time) (time.Time, error) {
	sched, err := p.build(s)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
