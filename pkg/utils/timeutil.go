package utils

import (
	"fmt"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30), the default
// deployment zone. Every cutoff, cron and "today" boundary is
// interpreted in the configured zone.
var IST *time.Location

func init() {
	var err error
	IST, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback: create fixed zone if tz database is not available
		IST = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// LoadZone resolves a zone name, falling back to IST for an empty name.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return IST, nil
	}
	return time.LoadLocation(name)
}

// ParseHHMM parses a wall-clock "HH:MM" string.
func ParseHHMM(s string) (hour, minute int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return hour, minute, nil
}

// AtTime returns the instant at hour:minute on the date of t in loc.
func AtTime(t time.Time, hour, minute int, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
}

// StartOfDay returns midnight on the date of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

// SessionOpen returns the session open instant (09:00) on the date of t.
func SessionOpen(t time.Time, loc *time.Location) time.Time {
	return AtTime(t, 9, 0, loc)
}

// WeekdayFromName parses an English weekday name ("Sunday".."Saturday").
func WeekdayFromName(name string) (time.Weekday, error) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(wd.String(), name) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", name)
}
