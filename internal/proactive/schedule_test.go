package proactive

import (
	"errors"
	"testing"
	"time"
)

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextRunScenarios(t *testing.T) {
	cases := []struct {
		name string
		kind ScheduleType
		spec string
		now  string
		want string
	}{
		{"daily before", Daily, "09:00", "2026-03-10 08:00", "2026-03-10 09:00"},
		{"daily after", Daily, "09:00", "2026-03-10 10:00", "2026-03-11 09:00"},
		{"daily exactly", Daily, "09:00", "2026-03-10 09:00", "2026-03-11 09:00"},
		{"daily year end", Daily, "00:30", "2026-12-31 23:00", "2027-01-01 00:30"},
		// 2026-03-10 is a Tuesday.
		{"weekly later this week", Weekly, "fri 18:00", "2026-03-10 08:00", "2026-03-13 18:00"},
		{"weekly earlier weekday", Weekly, "mon 09:00", "2026-03-10 08:00", "2026-03-16 09:00"},
		{"weekly same day future", Weekly, "tue 09:00", "2026-03-10 08:00", "2026-03-10 09:00"},
		{"weekly same day passed", Weekly, "tue 09:00", "2026-03-10 10:00", "2026-03-17 09:00"},
		{"monthly this month", Monthly, "15 09:00", "2026-03-10 08:00", "2026-03-15 09:00"},
		{"monthly next month", Monthly, "1 09:00", "2026-03-10 08:00", "2026-04-01 09:00"},
		{"monthly december rollover", Monthly, "5 09:00", "2026-12-10 08:00", "2027-01-05 09:00"},
		{"monthly skips short month", Monthly, "31 09:00", "2026-03-31 10:00", "2026-05-31 09:00"},
		{"yearly this year", Yearly, "12-25 08:00", "2026-03-10 08:00", "2026-12-25 08:00"},
		{"yearly next year", Yearly, "01-01 00:00", "2026-03-10 08:00", "2027-01-01 00:00"},
		{"yearly leap day", Yearly, "02-29 09:00", "2026-03-10 08:00", "2028-02-29 09:00"},
	}
	for _, c := range cases {
		got, err := NextRun(c.kind, c.spec, at(c.now))
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if !got.Equal(at(c.want)) {
			t.Errorf("%s: got %s want %s", c.name, got.Format("2006-01-02 15:04"), c.want)
		}
	}
}

func TestNextRunAlwaysInFuture(t *testing.T) {
	specs := map[ScheduleType][]string{
		Daily:   {"00:00", "09:00", "23:59"},
		Weekly:  {"mon 00:00", "wed 12:30", "sun 23:59"},
		Monthly: {"1 00:00", "15 09:00", "29 10:00", "31 23:59"},
		Yearly:  {"01-01 00:00", "02-29 09:00", "12-31 23:59"},
	}
	start := at("2026-01-01 00:00")
	for step := 0; step < 24*400; step += 7 {
		now := start.Add(time.Duration(step)*time.Hour + 17*time.Minute)
		for kind, list := range specs {
			for _, spec := range list {
				next, err := NextRun(kind, spec, now)
				if err != nil {
					t.Fatalf("%s %q at %s: %v", kind, spec, now, err)
				}
				if !next.After(now) {
					t.Fatalf("%s %q at %s: next %s not after now", kind, spec, now, next)
				}
			}
		}
	}
}

func TestNextRunOneTimeIsLiteral(t *testing.T) {
	for _, now := range []time.Time{at("2020-01-01 00:00"), at("2030-01-01 00:00")} {
		got, err := NextRun(OneTime, "2026-05-01 12:00", now)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(at("2026-05-01 12:00")) {
			t.Errorf("got %s", got)
		}
	}
}

func TestNextRunRejectsBadSpecs(t *testing.T) {
	bad := []struct {
		kind ScheduleType
		spec string
	}{
		{Daily, "9am"},
		{Daily, "25:00"},
		{Weekly, "someday 09:00"},
		{Weekly, "mon"},
		{Monthly, "32 09:00"},
		{Yearly, "13-01 09:00"},
		{OneTime, "tomorrow"},
		{"hourly", "00"},
	}
	for _, b := range bad {
		if _, err := NextRun(b.kind, b.spec, at("2026-03-10 08:00")); !errors.Is(err, ErrBadSchedule) {
			t.Errorf("%s %q: expected ErrBadSchedule, got %v", b.kind, b.spec, err)
		}
	}
}
