package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayTime is a time of day in minutes since midnight.
type DayTime int

// ParseDayTime parses "HH:MM".
func ParseDayTime(s string) (DayTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return DayTime(h*60 + m), nil
}

func (d DayTime) Hour() int   { return int(d) / 60 }
func (d DayTime) Minute() int { return int(d) % 60 }

func (d DayTime) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour(), d.Minute())
}

// On anchors the time of day to day's calendar date in day's location.
func (d DayTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), d.Hour(), d.Minute(), 0, 0, day.Location())
}

// NearestVoteDate returns the calendar day of the next vote start for a
// window opening at start: today while the window has not opened yet,
// otherwise tomorrow.
func NearestVoteDate(now time.Time, start DayTime) time.Time {
	if MinuteOf(now) < int(start) {
		return now
	}
	return now.AddDate(0, 0, 1)
}
