package delay

import (
	"fmt"
	"time"

	// Window timezones must resolve on hosts without a system zoneinfo database.
	_ "time/tzdata"

	"github.com/dukex/careflow/pkg/models"
)

// DefaultTimezone applies when a time window does not name one.
const DefaultTimezone = "Asia/Seoul"

// Window is a parsed TimeWindowConfig.
type Window struct {
	start        time.Duration
	end          time.Duration
	location     *time.Location
	skipWeekends bool
	skipHolidays bool
}

// ParseWindow validates a time window configuration.
func ParseWindow(cfg models.TimeWindowConfig) (*Window, error) {
	start, err := parseClock(cfg.StartTime)
	if err != nil {
		return nil, fmt.Errorf("invalid start_time: %w", err)
	}

	end, err := parseClock(cfg.EndTime)
	if err != nil {
		return nil, fmt.Errorf("invalid end_time: %w", err)
	}

	if start >= end {
		return nil, fmt.Errorf("start_time %s must be before end_time %s", cfg.StartTime, cfg.EndTime)
	}

	tz := cfg.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}

	location, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	return &Window{
		start:        start,
		end:          end,
		location:     location,
		skipWeekends: cfg.SkipWeekends,
		skipHolidays: cfg.SkipHolidays,
	}, nil
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}

	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Check reports whether now is inside the window. When it is not, next is the
// following opening boundary.
func (c *Calculator) Check(w *Window, now time.Time) (open bool, next time.Time, err error) {
	local := now.In(w.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.location)
	offset := local.Sub(midnight)

	if c.allowedDay(w, midnight) {
		if offset >= w.start && offset < w.end {
			return true, now, nil
		}

		if offset < w.start {
			return false, midnight.Add(w.start), nil
		}
	}

	candidate := midnight
	for i := 0; i < MaxBusinessDayIterations; i++ {
		candidate = candidate.AddDate(0, 0, 1)
		if c.allowedDay(w, candidate) {
			return false, candidate.Add(w.start), nil
		}
	}

	c.ceilingHits.Add(1)

	return false, time.Time{}, fmt.Errorf("no open window found within %d days of %s", MaxBusinessDayIterations, now)
}

func (c *Calculator) allowedDay(w *Window, date time.Time) bool {
	if w.skipWeekends && isWeekend(date) {
		return false
	}

	return !w.skipHolidays || !c.holidays.IsHoliday(date)
}
