package worker

import (
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/trade-executor/internal/errors"
)

// CycleSchedule decides when the next strategy cycle is due
type CycleSchedule struct {
	every time.Duration
	cron  cron.Schedule
}

// NewCycleSchedule snaps cycles to multiples of every, or follows a standard five field cron
// expression when expr is set
func NewCycleSchedule(expr string, every time.Duration) (*CycleSchedule, error) {
	if expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, apperrors.NewConfigurationError("CYCLE_SCHEDULE", err.Error())
		}
		return &CycleSchedule{cron: sched}, nil
	}
	if every <= 0 {
		return nil, apperrors.NewConfigurationError("CYCLE_DURATION", "must be positive")
	}
	return &CycleSchedule{every: every}, nil
}

// Next returns the first cycle timestamp strictly after t
func (s *CycleSchedule) Next(t time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(t)
	}
	next := t.Truncate(s.every).Add(s.every)
	return next
}

// Current returns the cycle timestamp t belongs to
func (s *CycleSchedule) Current(t time.Time) time.Time {
	if s.cron != nil {
		return t.Truncate(time.Minute)
	}
	return t.Truncate(s.every)
}
