package holiday

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKoreanCalendar(t *testing.T) {
	calendar := NewKoreanCalendar()
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	assert.True(t, calendar.IsHoliday(time.Date(2025, 8, 15, 12, 0, 0, 0, seoul)))
	assert.True(t, calendar.IsHoliday(time.Date(2031, 12, 25, 0, 0, 0, 0, seoul)))
	assert.False(t, calendar.IsHoliday(time.Date(2025, 8, 14, 12, 0, 0, 0, seoul)))

	// 2025-10-02 16:00 UTC is already 10-03 in Seoul.
	assert.True(t, calendar.IsHoliday(time.Date(2025, 10, 2, 16, 0, 0, 0, time.UTC)))
}

func TestCalendar_Add(t *testing.T) {
	calendar := NewCalendar(time.UTC)
	date := time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC)

	assert.False(t, calendar.IsHoliday(date))

	calendar.Add(date, "Seollal")

	assert.True(t, calendar.IsHoliday(date.Add(23*time.Hour)))
	assert.False(t, calendar.IsHoliday(date.AddDate(1, 0, 0)))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	content := `timezone: Asia/Seoul
include_korean_fixed: true
yearly: ["05-01"]
dates:
  - date: 2025-10-06
    name: Chuseok
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	calendar, err := LoadFile(path)
	require.NoError(t, err)

	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	assert.True(t, calendar.IsHoliday(time.Date(2025, 10, 6, 9, 0, 0, 0, seoul)))
	assert.True(t, calendar.IsHoliday(time.Date(2025, 5, 1, 9, 0, 0, 0, seoul)))
	assert.True(t, calendar.IsHoliday(time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)))
	assert.False(t, calendar.IsHoliday(time.Date(2025, 10, 7, 9, 0, 0, 0, seoul)))
}

func TestLoadFile_Invalid(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = FromFile(File{Yearly: []string{"13-40"}})
	require.Error(t, err)

	_, err = FromFile(File{Dates: []Entry{{Date: "yesterday"}}})
	require.Error(t, err)
}
