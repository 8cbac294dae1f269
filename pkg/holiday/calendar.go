// Package holiday provides the holiday calendar consulted by business-day scheduling.
package holiday

import (
	"fmt"
	"os"
	"sync"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// KoreanFixedHolidays are the solar public holidays observed every year (MM-DD).
var KoreanFixedHolidays = []string{
	"01-01", // New Year's Day
	"03-01", // Independence Movement Day
	"05-05", // Children's Day
	"06-06", // Memorial Day
	"08-15", // Liberation Day
	"10-03", // National Foundation Day
	"10-09", // Hangul Day
	"12-25", // Christmas
}

// Calendar answers IsHoliday from yearly recurring dates and explicit dated holidays.
// Dates are compared in the calendar location.
type Calendar struct {
	mu       sync.RWMutex
	location *time.Location
	yearly   map[string]struct{}
	dated    map[string]string
}

// File is the YAML document accepted by LoadFile.
//
//	timezone: Asia/Seoul
//	yearly: ["01-01", "12-25"]
//	dates:
//	  - date: 2025-01-28
//	    name: Seollal
type File struct {
	Timezone           string   `yaml:"timezone"`
	IncludeKoreanFixed bool     `yaml:"include_korean_fixed"`
	Yearly             []string `yaml:"yearly"`
	Dates              []Entry  `yaml:"dates"`
}

type Entry struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// NewCalendar builds a calendar with the given yearly MM-DD dates.
func NewCalendar(location *time.Location, yearly ...string) *Calendar {
	if location == nil {
		location = time.UTC
	}

	c := &Calendar{
		location: location,
		yearly:   make(map[string]struct{}, len(yearly)),
		dated:    make(map[string]string),
	}

	for _, md := range yearly {
		c.yearly[md] = struct{}{}
	}

	return c
}

// NewKoreanCalendar returns the default calendar used when no file is configured.
func NewKoreanCalendar() *Calendar {
	location, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		location = time.FixedZone("KST", 9*60*60)
	}

	return NewCalendar(location, KoreanFixedHolidays...)
}

// LoadFile reads a YAML holiday calendar.
func LoadFile(path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read holiday file %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse holiday file: %w", err)
	}

	return FromFile(file)
}

// FromFile builds a calendar from an already decoded document.
func FromFile(file File) (*Calendar, error) {
	location := time.UTC

	if file.Timezone != "" {
		var err error

		location, err = time.LoadLocation(file.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday timezone %q: %w", file.Timezone, err)
		}
	}

	yearly := file.Yearly
	if file.IncludeKoreanFixed {
		yearly = append(yearly, KoreanFixedHolidays...)
	}

	for _, md := range yearly {
		if _, err := time.Parse("01-02", md); err != nil {
			return nil, fmt.Errorf("invalid yearly holiday %q: %w", md, err)
		}
	}

	calendar := NewCalendar(location, yearly...)

	for _, entry := range file.Dates {
		date, err := time.ParseInLocation(time.DateOnly, entry.Date, location)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", entry.Date, err)
		}

		calendar.Add(date, entry.Name)
	}

	return calendar, nil
}

// Add registers a one-off holiday.
func (c *Calendar) Add(date time.Time, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dated[date.In(c.location).Format(time.DateOnly)] = name
}

// IsHoliday implements delay.HolidayChecker.
func (c *Calendar) IsHoliday(date time.Time) bool {
	local := date.In(c.location)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.yearly[local.Format("01-02")]; ok {
		return true
	}

	_, ok := c.dated[local.Format(time.DateOnly)]

	return ok
}
