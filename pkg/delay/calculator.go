// Package delay computes business-day and holiday aware schedules for delay and time-window nodes.
package delay

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dukex/careflow/pkg/models"
)

const (
	// MaxBusinessDayIterations bounds the day-by-day walk so a misbehaving holiday source cannot loop forever.
	MaxBusinessDayIterations = 365
	// MaxDelay is the hard cap on any single delay. Longer schedules are configuration bugs.
	MaxDelay = 30 * 24 * time.Hour
	// LongDelay triggers a non-fatal warning.
	LongDelay = 7 * 24 * time.Hour

	day = 24 * time.Hour
)

// HolidayChecker reports whether a calendar date is a holiday.
type HolidayChecker interface {
	IsHoliday(date time.Time) bool
}

// HolidayFunc adapts a function to HolidayChecker.
type HolidayFunc func(date time.Time) bool

func (f HolidayFunc) IsHoliday(date time.Time) bool { return f(date) }

// NoHolidays never reports a holiday.
var NoHolidays HolidayChecker = HolidayFunc(func(time.Time) bool { return false })

// Calculator is safe for concurrent use; it keeps no state besides the ceiling counter.
type Calculator struct {
	holidays    HolidayChecker
	location    *time.Location
	logger      *slog.Logger
	ceilingHits atomic.Int64
}

type Option func(*Calculator)

// WithLocation sets the zone whose calendar days, weekends and holidays business-day delays
// count in. Without it the start time's own location is used.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) {
		if loc != nil {
			c.location = loc
		}
	}
}

func NewCalculator(holidays HolidayChecker, logger *slog.Logger, opts ...Option) *Calculator {
	if holidays == nil {
		holidays = NoHolidays
	}

	c := &Calculator{
		holidays: holidays,
		logger:   logger.With("module", "delay_calculator"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Delay returns how long to wait from start for the given configuration.
func (c *Calculator) Delay(cfg models.DelayConfig, start time.Time) time.Duration {
	value := time.Duration(cfg.Value)

	switch cfg.Type {
	case models.DelayMinutes:
		return value * time.Minute
	case models.DelayHours:
		return value * time.Hour
	case models.DelayDays:
		return value * day
	case models.DelayBusinessDays:
		return c.businessDays(cfg.Value, start, cfg.SkipsWeekends(), cfg.SkipsHolidays())
	default:
		return 0
	}
}

// DelayMs is Delay in milliseconds.
func (c *Calculator) DelayMs(cfg models.DelayConfig, start time.Time) int64 {
	return c.Delay(cfg, start).Milliseconds()
}

// ExecutionDate is the instant at which the delayed step should run.
func (c *Calculator) ExecutionDate(cfg models.DelayConfig, start time.Time) time.Time {
	return start.Add(c.Delay(cfg, start))
}

// CeilingHits counts business-day walks that stopped at MaxBusinessDayIterations.
func (c *Calculator) CeilingHits() int64 {
	return c.ceilingHits.Load()
}

func (c *Calculator) businessDays(days int, start time.Time, skipWeekends, skipHolidays bool) time.Duration {
	current := start
	if c.location != nil {
		current = start.In(c.location)
	}

	added := 0
	totalDays := 0
	iterations := 0

	for added < days && iterations < MaxBusinessDayIterations {
		iterations++
		current = current.AddDate(0, 0, 1)
		totalDays++

		if skipWeekends && isWeekend(current) {
			continue
		}

		if skipHolidays && c.holidays.IsHoliday(current) {
			continue
		}

		added++
	}

	if added < days {
		c.ceilingHits.Add(1)
		c.logger.Warn("Business day calculation reached iteration ceiling, using elapsed days",
			"requested_days", days,
			"counted_days", added,
			"elapsed_days", totalDays,
			"start", start)
	}

	return current.Sub(start)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()

	return wd == time.Saturday || wd == time.Sunday
}

// ValidationResult mirrors what the editor shows for a delay node.
type ValidationResult struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Validate applies the delay policy: non-positive values and anything above MaxDelay are
// rejected, anything above LongDelay is accepted with a warning.
func (c *Calculator) Validate(cfg models.DelayConfig, start time.Time) ValidationResult {
	if cfg.Type == "" {
		return ValidationResult{Error: "delay type is required"}
	}

	if cfg.Value <= 0 {
		return ValidationResult{Error: "delay value must be greater than 0"}
	}

	total := c.Delay(cfg, start)
	if total <= 0 {
		return ValidationResult{Error: fmt.Sprintf("unsupported delay type %q", cfg.Type)}
	}

	if total > MaxDelay {
		return ValidationResult{Error: fmt.Sprintf("delay cannot exceed 30 days, got %s", Format(cfg))}
	}

	if total > LongDelay {
		return ValidationResult{
			IsValid: true,
			Warning: fmt.Sprintf("long delay detected (%s), consider using business_days for better scheduling", Format(cfg)),
		}
	}

	return ValidationResult{IsValid: true}
}

// Format renders a delay for humans, e.g. "3 business days".
func Format(cfg models.DelayConfig) string {
	var unit string

	switch cfg.Type {
	case models.DelayMinutes:
		unit = "minute"
	case models.DelayHours:
		unit = "hour"
	case models.DelayDays:
		unit = "day"
	case models.DelayBusinessDays:
		unit = "business day"
	default:
		return fmt.Sprintf("%d %s", cfg.Value, cfg.Type)
	}

	if cfg.Value != 1 {
		unit += "s"
	}

	return fmt.Sprintf("%d %s", cfg.Value, unit)
}
