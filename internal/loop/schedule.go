package loop

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/opsloop/internal/config"
)

// Every fires at a fixed interval after the previous activation.
type Every time.Duration

// Next implements cron.Schedule.
func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// NewSchedule returns the cycle schedule: the cron expression when one is
// set, otherwise the fixed interval.
func NewSchedule(cfg config.LoopConfig) (cron.Schedule, error) {
	if cfg.Schedule != "" {
		s, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid loop schedule %q: %w", cfg.Schedule, err)
		}
		return s, nil
	}
	if cfg.IntervalSec <= 0 {
		return nil, fmt.Errorf("loop interval must be positive")
	}
	return Every(cfg.Interval()), nil
}
