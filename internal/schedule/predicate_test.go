package schedule

import (
	"testing"
	"time"

	"scooproute/internal/model"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func weekday(d time.Weekday) *time.Weekday { return &d }

func TestSundayIsNeverServiced(t *testing.T) {
	anchor := day(t, "2025-03-02") // a Sunday
	pol := DefaultPolicy()
	for _, f := range []model.Frequency{model.FrequencyWeekly, model.FrequencyBiweekly, model.FrequencyMonthly} {
		for i := 0; i < 120; i++ {
			d := anchor.AddDate(0, 0, i)
			if d.Weekday() == time.Sunday && IsServiceDay(d, f, anchor, nil, pol) {
				t.Fatalf("%s: %s is a Sunday and must not be serviced", f, FormatDate(d))
			}
		}
	}
}

func TestBiweeklyPhase(t *testing.T) {
	a := day(t, "2025-03-03") // Monday
	pol := DefaultPolicy()
	cases := map[int]bool{0: true, 7: false, 14: true, 21: false, -7: false, -14: true}
	for offset, want := range cases {
		d := a.AddDate(0, 0, offset)
		if got := IsServiceDay(d, model.FrequencyBiweekly, a, nil, pol); got != want {
			t.Errorf("anchor%+d days: got %v want %v", offset, got, want)
		}
	}
}

func TestMonthlyToleranceBand(t *testing.T) {
	a := day(t, "2025-01-15")
	pol := Policy{} // no closed weekdays, to isolate the band
	for dom := 10; dom <= 20; dom++ {
		d := time.Date(2025, time.April, dom, 0, 0, 0, 0, time.UTC)
		want := dom >= 12 && dom <= 18
		if got := IsServiceDay(d, model.FrequencyMonthly, a, nil, pol); got != want {
			t.Errorf("day %d: got %v want %v", dom, got, want)
		}
	}
}

// WEEKLY without a pinned weekday services every open day. This
// over-generates relative to "once a week" and is kept deliberately.
func TestWeeklyWithoutPinServicesEveryOpenDay(t *testing.T) {
	a := day(t, "2025-03-03")
	pol := DefaultPolicy()
	n := 0
	for i := 0; i < 7; i++ {
		if IsServiceDay(a.AddDate(0, 0, i), model.FrequencyWeekly, a, nil, pol) {
			n++
		}
	}
	if n != 6 {
		t.Fatalf("want 6 service days per week, got %d", n)
	}
}

func TestWeekdayPinNarrowsCadenceByDefault(t *testing.T) {
	a := day(t, "2025-03-03") // Monday
	pol := DefaultPolicy()
	mon := weekday(time.Monday)
	if !IsServiceDay(a, model.FrequencyBiweekly, a, mon, pol) {
		t.Fatal("anchor Monday should be serviced")
	}
	if IsServiceDay(a.AddDate(0, 0, 7), model.FrequencyBiweekly, a, mon, pol) {
		t.Fatal("off-week Monday must keep the biweekly phase")
	}
	if IsServiceDay(a.AddDate(0, 0, 1), model.FrequencyBiweekly, a, mon, pol) {
		t.Fatal("Tuesday does not match the pin")
	}
	if !IsServiceDay(a.AddDate(0, 0, 14), model.FrequencyBiweekly, a, mon, pol) {
		t.Fatal("on-week Monday should be serviced")
	}
}

func TestWeekdayPinOverridesCadenceWhenEnabled(t *testing.T) {
	a := day(t, "2025-03-03")
	pol := DefaultPolicy()
	pol.WeekdayPinOverridesCadence = true
	mon := weekday(time.Monday)
	if !IsServiceDay(a.AddDate(0, 0, 7), model.FrequencyBiweekly, a, mon, pol) {
		t.Fatal("with override, every pinned weekday is serviced")
	}
	if IsServiceDay(a.AddDate(0, 0, 1), model.FrequencyBiweekly, a, mon, pol) {
		t.Fatal("override still requires the pinned weekday")
	}
	if IsServiceDay(a.AddDate(0, 0, 6), model.FrequencyWeekly, a, weekday(time.Sunday), pol) {
		t.Fatal("closed weekdays win over a pin")
	}
}

func TestOneTimeIsNeverARecurringServiceDay(t *testing.T) {
	a := day(t, "2025-03-03")
	if IsServiceDay(a, model.FrequencyOneTime, a, nil, DefaultPolicy()) {
		t.Fatal("ONETIME is not handled by the predicate")
	}
}

func TestDateOfUsesLocation(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2025-03-04 03:00 UTC is still March 3rd in Los Angeles.
	ts := time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)
	if got := FormatDate(DateOf(ts, la)); got != "2025-03-03" {
		t.Fatalf("got %s", got)
	}
	if got := FormatDate(DateOf(ts, nil)); got != "2025-03-04" {
		t.Fatalf("nil location should be UTC, got %s", got)
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{"Tuesday": time.Tuesday, " thu ": time.Thursday, "SAT": time.Saturday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Errorf("%q: got %v %v", in, got, err)
		}
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Error("expected error for unknown weekday")
	}
}

func TestFloorDiv(t *testing.T) {
	cases := [][3]int{{7, 7, 1}, {6, 7, 0}, {-1, 7, -1}, {-7, 7, -1}, {-8, 7, -2}}
	for _, c := range cases {
		if got := floorDiv(c[0], c[1]); got != c[2] {
			t.Errorf("floorDiv(%d,%d)=%d want %d", c[0], c[1], got, c[2])
		}
	}
}
