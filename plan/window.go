package plan

import (
	"fmt"
	"time"
)

// MonthKey returns the UTC calendar-month bucket key, e.g. "202608".
func MonthKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d%02d", u.Year(), int(u.Month()))
}

// HourKey returns the UTC wall-clock-hour bucket key, e.g. "2026082414".
func HourKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d%02d%02d%02d", u.Year(), int(u.Month()), u.Day(), u.Hour())
}

// SecondsUntilMonthEnd returns the seconds until the next calendar month
// starts (UTC). Always > 0: a request on the boundary belongs to the new
// month and gets that month's full window.
func SecondsUntilMonthEnd(t time.Time) int {
	u := t.UTC()
	nextMonth := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	secs := int(nextMonth.Sub(u).Seconds())
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// SecondsUntilHourEnd returns the seconds until the next wall-clock hour
// starts (UTC). Always > 0 and at most 3600.
func SecondsUntilHourEnd(t time.Time) int {
	u := t.UTC()
	nextHour := u.Truncate(time.Hour).Add(time.Hour)
	secs := int(nextHour.Sub(u).Seconds())
	if secs <= 0 {
		secs = 1
	}
	if secs > 3600 {
		secs = 3600
	}
	return secs
}
