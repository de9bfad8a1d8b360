package scheduler

import (
	"strings"
	"time"
)

type cadence int

const (
	monthly cadence = iota
	daily
	hourly
)

var cadenceLayouts = map[cadence]string{
	monthly: "2006-01",
	daily:   "2006-01-02",
	hourly:  "2006-01-02T15",
}

// window is the half-open interval a period key covers.
type window struct {
	Start time.Time
	End   time.Time
}

func (c cadence) truncate(t time.Time) time.Time {
	t = t.UTC()
	switch c {
	case monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

func (c cadence) add(t time.Time, n int) time.Time {
	switch c {
	case monthly:
		return t.AddDate(0, n, 0)
	case daily:
		return t.AddDate(0, 0, n)
	default:
		return t.Add(time.Duration(n) * time.Hour)
	}
}

func (c cadence) key(t time.Time) string {
	return c.truncate(t).Format(cadenceLayouts[c])
}

func (c cadence) parse(key string) (window, error) {
	start, err := time.ParseInLocation(cadenceLayouts[c], strings.TrimSpace(key), time.UTC)
	if err != nil {
		return window{}, ErrInvalidPeriodKey.WithMessage("period key %q must look like %s", key, cadenceLayouts[c])
	}
	return window{Start: start, End: c.add(start, 1)}, nil
}
