package cmd

import (
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/holiday"
)

// NewHolidays loads the YAML calendar at path, "none" disables holidays and an empty path
// uses the Korean fixed holidays.
func NewHolidays(path string) (delay.HolidayChecker, error) {
	switch path {
	case "":
		return holiday.NewKoreanCalendar(), nil
	case "none":
		return delay.NoHolidays, nil
	default:
		calendar, err := holiday.LoadFile(path)
		if err != nil {
			return nil, err
		}

		return calendar, nil
	}
}
