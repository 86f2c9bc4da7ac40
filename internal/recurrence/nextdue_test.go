package recurrence

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextDue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		rule   Rule
		anchor time.Time
		want   time.Time
	}{
		{name: "monthly clamps to leap feb", rule: MustRule(NewMonthly(31, NoTolerance)), anchor: date(2024, 1, 15), want: date(2024, 2, 29)},
		{name: "monthly clamps to common feb", rule: MustRule(NewMonthly(31, NoTolerance)), anchor: date(2023, 1, 31), want: date(2023, 2, 28)},
		{name: "monthly always next month", rule: MustRule(NewMonthly(20, NoTolerance)), anchor: date(2024, 1, 15), want: date(2024, 2, 20)},
		{name: "monthly crosses year", rule: MustRule(NewMonthly(5, NoTolerance)), anchor: date(2024, 12, 31), want: date(2025, 1, 5)},
		{name: "weekly friday to monday", rule: MustRule(NewWeekly([]time.Weekday{time.Monday}, NoTolerance)), anchor: date(2024, 6, 7), want: date(2024, 6, 10)},
		{name: "weekly same weekday is a week later", rule: MustRule(NewWeekly([]time.Weekday{time.Friday}, NoTolerance)), anchor: date(2024, 6, 7), want: date(2024, 6, 14)},
		{name: "weekly earliest of set", rule: MustRule(NewWeekly([]time.Weekday{time.Wednesday, time.Saturday}, NoTolerance)), anchor: date(2024, 6, 7), want: date(2024, 6, 8)},
		{name: "daily", rule: MustRule(NewDaily(NoTolerance)), anchor: date(2024, 2, 28), want: date(2024, 2, 29)},
		{name: "fixed days", rule: MustRule(NewFixedInterval(10, Days, NoTolerance)), anchor: date(2024, 1, 25), want: date(2024, 2, 4)},
		{name: "fixed weeks", rule: MustRule(NewFixedInterval(2, Weeks, NoTolerance)), anchor: date(2024, 1, 1), want: date(2024, 1, 15)},
		{name: "fixed month clamps jan 31", rule: MustRule(NewFixedInterval(1, Months, NoTolerance)), anchor: date(2023, 1, 31), want: date(2023, 2, 28)},
		{name: "fixed month clamps jan 31 leap", rule: MustRule(NewFixedInterval(1, Months, NoTolerance)), anchor: date(2024, 1, 31), want: date(2024, 2, 29)},
		{name: "fixed year from feb 29", rule: MustRule(NewFixedInterval(1, Years, NoTolerance)), anchor: date(2024, 2, 29), want: date(2025, 2, 28)},
		{name: "yearly later this year", rule: MustRule(NewYearly(1, 9, NoTolerance)), anchor: date(2024, 3, 1), want: date(2024, 9, 1)},
		{name: "yearly on the date rolls to next year", rule: MustRule(NewYearly(1, 9, NoTolerance)), anchor: date(2024, 9, 1), want: date(2025, 9, 1)},
		{name: "yearly feb 29 clamps", rule: MustRule(NewYearly(29, 2, NoTolerance)), anchor: date(2024, 3, 1), want: date(2025, 2, 28)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextDue(tt.rule, tt.anchor)
			if !got.Equal(tt.want) {
				t.Fatalf("NextDue(%s, %s) = %s, want %s", tt.rule, tt.anchor.Format(time.DateOnly), got.Format(time.DateOnly), tt.want.Format(time.DateOnly))
			}
		})
	}
}

func TestNextDueStrictlyAfterAnchor(t *testing.T) {
	t.Parallel()
	rules := []Rule{
		MustRule(NewFixedInterval(1, Days, NoTolerance)),
		MustRule(NewFixedInterval(3, Weeks, NoTolerance)),
		MustRule(NewFixedInterval(1, Months, NoTolerance)),
		MustRule(NewFixedInterval(2, Years, NoTolerance)),
		MustRule(NewDaily(NoTolerance)),
		MustRule(NewWeekly([]time.Weekday{time.Sunday}, NoTolerance)),
		MustRule(NewMonthly(1, NoTolerance)),
		MustRule(NewYearly(31, 12, NoTolerance)),
	}
	start := date(2023, 12, 1)
	for _, r := range rules {
		for i := 0; i < 120; i++ {
			anchor := start.AddDate(0, 0, i*3)
			got := NextDue(r, anchor)
			if !got.After(anchor) {
				t.Fatalf("NextDue(%s, %s) = %s, not after anchor", r, anchor.Format(time.DateOnly), got.Format(time.DateOnly))
			}
			if again := NextDue(r, anchor); !again.Equal(got) {
				t.Fatalf("NextDue(%s) not deterministic: %s vs %s", r, got, again)
			}
		}
	}
}

func TestNextDueIgnoresTimeOfDayAndZone(t *testing.T) {
	t.Parallel()
	r := MustRule(NewDaily(NoTolerance))
	tokyo := time.FixedZone("JST", 9*3600)
	anchor := time.Date(2024, 3, 10, 23, 59, 0, 0, tokyo)
	got := NextDue(r, anchor)
	if want := date(2024, 3, 11); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC result, got %s", got.Location())
	}
}

func TestNextDueZeroRule(t *testing.T) {
	t.Parallel()
	if got := NextDue(Rule{}, date(2024, 1, 1)); !got.IsZero() {
		t.Fatalf("expected zero time, got %s", got)
	}
	if got := Occurrences(Rule{}, date(2024, 1, 1), 3); got != nil {
		t.Fatalf("expected no occurrences, got %v", got)
	}
}

func TestOccurrencesChain(t *testing.T) {
	t.Parallel()
	r := MustRule(NewMonthly(31, NoTolerance))
	got := Occurrences(r, date(2024, 1, 15), 3)
	want := []time.Time{date(2024, 2, 29), date(2024, 3, 31), date(2024, 4, 30)}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAddUnitsClamp(t *testing.T) {
	t.Parallel()
	if got := AddUnits(date(2024, 1, 31), 1, Months); !got.Equal(date(2024, 2, 29)) {
		t.Fatalf("Jan 31 + 1 month = %s", got)
	}
	if got := AddUnits(date(2024, 3, 31), -1, Months); !got.Equal(date(2024, 2, 29)) {
		t.Fatalf("Mar 31 - 1 month = %s", got)
	}
	if got := AddUnits(date(2024, 10, 31), 4, Months); !got.Equal(date(2025, 2, 28)) {
		t.Fatalf("Oct 31 + 4 months = %s", got)
	}
}

func TestDayUsesUTCDate(t *testing.T) {
	t.Parallel()
	eastern := time.FixedZone("EST", -5*3600)
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2024, 1, 10, 21, 0, 0, 0, eastern), date(2024, 1, 11)},
		{time.Date(2024, 1, 10, 18, 59, 0, 0, eastern), date(2024, 1, 10)},
		{time.Date(2024, 1, 11, 2, 0, 0, 0, time.UTC), date(2024, 1, 11)},
	}
	for _, tc := range cases {
		if got := Day(tc.in); !got.Equal(tc.want) {
			t.Fatalf("Day(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
	// The same instant yields the same due date whatever zone carries it.
	r := MustRule(NewDaily(NoTolerance))
	local := time.Date(2024, 1, 10, 21, 0, 0, 0, eastern)
	if a, b := NextDue(r, local), NextDue(r, local.UTC()); !a.Equal(b) {
		t.Fatalf("NextDue depends on zone: %s vs %s", a, b)
	}
}
