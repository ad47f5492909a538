package repository

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// LogicalDate returns the run day (YYYY-MM-DD) for a timestamp. Days are UTC
// calendar days, matching the exchange's daily candle boundaries.
func LogicalDate(ts time.Time) string {
	return ts.UTC().Format(DateLayout)
}

// Yesterday returns the logical date of the most recently closed day.
func Yesterday(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, -1)
}

func StartOfDay(ts time.Time) time.Time {
	utc := ts.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the UTC [start, end) window of a logical date.
func DayBounds(ds string) (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, ds)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse logical date %q: %w", ds, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}
