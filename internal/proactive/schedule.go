package proactive

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleType selects how a schedule spec is interpreted.
type ScheduleType string

const (
	Daily   ScheduleType = "daily"   // "HH:MM"
	Weekly  ScheduleType = "weekly"  // "mon HH:MM"
	Monthly ScheduleType = "monthly" // "D HH:MM"
	Yearly  ScheduleType = "yearly"  // "MM-DD HH:MM"
	OneTime ScheduleType = "one_time"
)

// ErrBadSchedule is returned for an unknown schedule type or malformed spec.
var ErrBadSchedule = errors.New("bad schedule")

var weekdays = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday, "thu": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday, "sunday": time.Sunday,
}

var oneTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// NextRun computes the next fire time after now. For recurring types the
// result is strictly after now. For OneTime it is the literal timestamp,
// interpreted in now's location when it carries no offset.
func NextRun(kind ScheduleType, spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	loc := now.Location()

	switch kind {
	case Daily:
		h, m, err := parseClock(spec)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(now.Year(), now.Month(), now.Day()+1, h, m, 0, 0, loc)
		}
		return next, nil

	case Weekly:
		day, clock, ok := strings.Cut(spec, " ")
		wd, known := weekdays[strings.ToLower(day)]
		if !ok || !known {
			return time.Time{}, fmt.Errorf("%w: weekly %q", ErrBadSchedule, spec)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		ahead := (int(wd) - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day()+ahead, h, m, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(now.Year(), now.Month(), now.Day()+7, h, m, 0, 0, loc)
		}
		return next, nil

	case Monthly:
		dayStr, clock, ok := strings.Cut(spec, " ")
		day, err := strconv.Atoi(dayStr)
		if !ok || err != nil || day < 1 || day > 31 {
			return time.Time{}, fmt.Errorf("%w: monthly %q", ErrBadSchedule, spec)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		// Months without the day are skipped; at most a few steps are needed.
		for i := 0; i < 13; i++ {
			y, mo := now.Year(), now.Month()+time.Month(i)
			next := time.Date(y, mo, day, h, m, 0, 0, loc)
			if next.Day() != day {
				continue
			}
			if next.After(now) {
				return next, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: monthly %q has no occurrence", ErrBadSchedule, spec)

	case Yearly:
		date, clock, ok := strings.Cut(spec, " ")
		moStr, dStr, ok2 := strings.Cut(date, "-")
		mo, err1 := strconv.Atoi(moStr)
		day, err2 := strconv.Atoi(dStr)
		if !ok || !ok2 || err1 != nil || err2 != nil || mo < 1 || mo > 12 || day < 1 || day > 31 {
			return time.Time{}, fmt.Errorf("%w: yearly %q", ErrBadSchedule, spec)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		// Feb 29 waits for the next leap year.
		for i := 0; i <= 8; i++ {
			next := time.Date(now.Year()+i, time.Month(mo), day, h, m, 0, 0, loc)
			if next.Day() != day {
				continue
			}
			if next.After(now) {
				return next, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: yearly %q has no occurrence", ErrBadSchedule, spec)

	case OneTime:
		for _, layout := range oneTimeLayouts {
			if t, err := time.ParseInLocation(layout, spec, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: one_time %q", ErrBadSchedule, spec)
	}
	return time.Time{}, fmt.Errorf("%w: unknown type %q", ErrBadSchedule, kind)
}

func parseClock(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if !ok || err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: time %q", ErrBadSchedule, s)
	}
	return h, m, nil
}
