// Package schedule decides which calendar days a recurring subscription is
// serviced on and materializes scheduled jobs for those days.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"scooproute/internal/model"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// MonthlyToleranceDays is how far a monthly visit may drift from the
// anchor's day-of-month.
const MonthlyToleranceDays = 3

// Policy holds the organization-wide switches that shape the predicate.
type Policy struct {
	// NonServiceDays are never serviced, whatever the cadence.
	NonServiceDays []time.Weekday
	// WeekdayPinOverridesCadence makes a preferred weekday replace the
	// frequency rule instead of narrowing it. With it set, a BIWEEKLY
	// subscription pinned to Tuesday is serviced every Tuesday.
	WeekdayPinOverridesCadence bool
}

// DefaultPolicy services Monday through Saturday and keeps cadence when a
// weekday is pinned.
func DefaultPolicy() Policy {
	return Policy{NonServiceDays: []time.Weekday{time.Sunday}}
}

func (p Policy) closed(d time.Weekday) bool {
	for _, w := range p.NonServiceDays {
		if w == d {
			return true
		}
	}
	return false
}

// IsServiceDay reports whether date is a service day for a subscription with
// the given frequency, anchor and optional preferred weekday. Both date and
// anchor are treated as calendar days; use DateOf to normalise them.
func IsServiceDay(date time.Time, freq model.Frequency, anchor time.Time, preferred *time.Weekday, pol Policy) bool {
	if pol.closed(date.Weekday()) {
		return false
	}
	if preferred != nil {
		if date.Weekday() != *preferred {
			return false
		}
		if pol.WeekdayPinOverridesCadence {
			return true
		}
	}
	switch freq {
	case model.FrequencyWeekly:
		return true
	case model.FrequencyBiweekly:
		weeks := floorDiv(DaysBetween(anchor, date), 7)
		return weeks%2 == 0
	case model.FrequencyMonthly:
		diff := date.Day() - anchor.Day()
		if diff < 0 {
			diff = -diff
		}
		return diff <= MonthlyToleranceDays
	}
	return false
}

// DateOf returns the calendar day of t in loc as a UTC midnight timestamp.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b (negative when b is earlier).
func DaysBetween(a, b time.Time) int {
	a = DateOf(a, time.UTC)
	b = DateOf(b, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// floorDiv rounds toward negative infinity so dates before the anchor keep
// the same alternating phase.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts English weekday names and their common abbreviations.
func ParseWeekday(s string) (time.Weekday, error) {
	if d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// PreferredWeekday returns the subscription's pinned weekday, or nil.
func PreferredWeekday(sub model.Subscription) (*time.Weekday, error) {
	if strings.TrimSpace(sub.PreferredDay) == "" {
		return nil, nil
	}
	d, err := ParseWeekday(sub.PreferredDay)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
