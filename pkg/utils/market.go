package utils

import (
	"fmt"
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// Default NSE equity session bounds, minutes after midnight IST.
const (
	MarketOpenMinute  = 9*60 + 15
	MarketCloseMinute = 15*60 + 30
)

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// MinuteOfDay returns minutes after midnight of t in IST.
func MinuteOfDay(t time.Time) int {
	t = t.In(IndiaLocation)
	return t.Hour()*60 + t.Minute()
}

// InTradingWindow reports whether t falls in [start, end) on a weekday, both
// given as "HH:MM" IST. Empty bounds default to the NSE session.
func InTradingWindow(t time.Time, start, end string) (bool, error) {
	from, to := MarketOpenMinute, MarketCloseMinute
	var err error
	if start != "" {
		if from, err = ParseClock(start); err != nil {
			return false, err
		}
	}
	if end != "" {
		if to, err = ParseClock(end); err != nil {
			return false, err
		}
	}

	local := t.In(IndiaLocation)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false, nil
	}
	m := MinuteOfDay(local)
	return m >= from && m < to, nil
}

// SessionEnd returns the time on t's IST date at which the given "HH:MM"
// bound (or the NSE close) falls.
func SessionEnd(t time.Time, end string) time.Time {
	minute := MarketCloseMinute
	if end != "" {
		if m, err := ParseClock(end); err == nil {
			minute = m
		}
	}
	local := t.In(IndiaLocation)
	return time.Date(local.Year(), local.Month(), local.Day(), minute/60, minute%60, 0, 0, IndiaLocation)
}
