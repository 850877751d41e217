package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseInterval accepts a Go duration ("90s") or a cron "@every" descriptor
// ("@every 1h30m"). Calendar cron expressions are rejected since a worker needs a
// fixed base interval to jitter.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("interval is required")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %s", d)
		}
		return d, nil
	}

	sched, err := cron.ParseStandard(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
	}
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, fmt.Errorf("interval %q has no fixed period; use a duration or @every", raw)
	}
	return every.Delay, nil
}
