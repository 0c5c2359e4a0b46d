package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRunAt parses a user-supplied activation time in loc.
//
// Accepted forms:
//
//	"HH:MM"             next occurrence, today or tomorrow
//	"YYYY-MM-DD HH:MM"  explicit date, must be in the future
func ParseRunAt(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	now = now.In(loc)

	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return at, nil
	}
	if at, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		if !at.After(now) {
			return time.Time{}, fmt.Errorf("time %q is in the past", s)
		}
		return at, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use HH:MM or YYYY-MM-DD HH:MM", s)
}

// ParseDuration parses a recording length.
//
// Accepted forms: plain seconds ("90"), "MM:SS", "HH:MM:SS", and Go
// duration strings ("90m", "1h30m").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.Contains(s, ":") {
		return parseClockDuration(s)
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("unrecognized duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}

func parseClockDuration(s string) (time.Duration, error) {
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("unrecognized duration %q, use MM:SS or HH:MM:SS", s)
	}
	var total time.Duration
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("unrecognized duration %q", s)
		}
		total = total*60 + time.Duration(n)*time.Second
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}
