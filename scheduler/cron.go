package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/jobflow/types"
)

// CronEvaluator computes the next fire time of a cron expression strictly after after.
type CronEvaluator interface {
	NextFireTime(spec string, after time.Time) (time.Time, error)
}

// CronParser evaluates five or six field cron expressions and descriptors
// such as @hourly or @every 5m. Parsed schedules are cached by expression.
type CronParser struct {
	parser cron.Parser
	cache  map[string]cron.Schedule
	mu     sync.RWMutex
}

// NewCronParser creates a parser with optional seconds.
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cache:  make(map[string]cron.Schedule),
	}
}

// NextFireTime returns the first activation after after, in after's location
// unless the expression carries a CRON_TZ prefix.
func (p *CronParser) NextFireTime(spec string, after time.Time) (time.Time, error) {
	schedule, err := p.schedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, spec)
	}
	return next, nil
}

func (p *CronParser) schedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	p.mu.RLock()
	schedule, ok := p.cache[spec]
	p.mu.RUnlock()
	if ok {
		return schedule, nil
	}

	schedule, err := p.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidSchedule, spec, err)
	}
	p.mu.Lock()
	p.cache[spec] = schedule
	p.mu.Unlock()
	return schedule, nil
}

// NextRunAt computes when a job with schedule s fires next. lastRun is nil
// for a job that never ran. A nil result means the job only runs on demand or
// on events, or that a one-shot trigger already fired.
func NextRunAt(s types.Schedule, evaluator CronEvaluator, now time.Time, lastRun *time.Time) (*time.Time, error) {
	if err := checkTriggers(s); err != nil {
		return nil, err
	}

	switch {
	case s.Cron != "":
		if evaluator == nil {
			return nil, fmt.Errorf("%w: no cron evaluator", ErrInvalidSchedule)
		}
		after := now
		if s.Timezone != "" {
			loc, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid timezone %q", ErrInvalidSchedule, s.Timezone)
			}
			after = now.In(loc)
		}
		next, err := evaluator.NextFireTime(s.Cron, after)
		if err != nil {
			return nil, err
		}
		next = next.UTC()
		return &next, nil

	case s.Every > 0:
		base := now
		if lastRun != nil {
			base = *lastRun
		}
		next := base.Add(s.Every)
		return &next, nil

	case s.At != nil:
		if lastRun != nil {
			return nil, nil
		}
		next := *s.At
		return &next, nil

	case s.In > 0:
		if lastRun != nil {
			return nil, nil
		}
		next := now.Add(s.In)
		return &next, nil
	}
	return nil, nil
}

func checkTriggers(s types.Schedule) error {
	if s.Every < 0 || s.In < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidSchedule)
	}
	set := 0
	for _, on := range []bool{s.Cron != "", s.Every > 0, s.At != nil, s.In > 0, s.OnEvent != ""} {
		if on {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("%w: more than one trigger set", ErrInvalidSchedule)
	}
	if s.EventFilter != "" && s.OnEvent == "" {
		return fmt.Errorf("%w: event filter without on_event", ErrInvalidSchedule)
	}
	return nil
}
