package clock

import (
	"errors"
	"strings"
	"time"
)

const periodKeyLayout = "2006-01"

var ErrInvalidPeriodKey = errors.New("invalid_period_key")

// PeriodKey formats the UTC billing month containing t as YYYY-MM.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(periodKeyLayout)
}

// ParsePeriodKey returns the first instant of the billing month.
func ParsePeriodKey(key string) (time.Time, error) {
	key = strings.TrimSpace(key)
	if len(key) != len(periodKeyLayout) {
		return time.Time{}, ErrInvalidPeriodKey
	}
	start, err := time.ParseInLocation(periodKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidPeriodKey
	}
	return start, nil
}

// PeriodBounds returns [start, end) for a billing month.
func PeriodBounds(key string) (time.Time, time.Time, error) {
	start, err := ParsePeriodKey(key)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}

func PreviousPeriodKey(t time.Time) string {
	t = t.UTC()
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return PeriodKey(firstOfMonth.AddDate(0, -1, 0))
}
