package recurrence

import (
	"strings"
	"testing"
	"time"
)

func TestRRuleMatchesNextDue(t *testing.T) {
	t.Parallel()
	rules := []Rule{
		MustRule(NewDaily(NoTolerance)),
		MustRule(NewFixedInterval(10, Days, NoTolerance)),
		MustRule(NewFixedInterval(2, Weeks, NoTolerance)),
		MustRule(NewWeekly([]time.Weekday{time.Monday, time.Thursday}, NoTolerance)),
	}
	start := date(2024, 6, 7)
	for _, r := range rules {
		rr, err := NewRRule(r, start)
		if err != nil {
			t.Fatalf("NewRRule(%s) error: %v", r, err)
		}
		at := start
		for i := 0; i < 10; i++ {
			want := NextDue(r, at)
			got := rr.After(at, false)
			if !got.Equal(want) {
				t.Fatalf("%s after %s: rrule %s, NextDue %s", r, at.Format(time.DateOnly), got, want)
			}
			at = want
		}
	}
}

func TestRRuleStringMonthEnd(t *testing.T) {
	t.Parallel()
	s, err := RRuleString(MustRule(NewMonthly(31, NoTolerance)), date(2024, 1, 15))
	if err != nil {
		t.Fatalf("RRuleString error: %v", err)
	}
	for _, part := range []string{"FREQ=MONTHLY", "BYMONTHDAY=28,29,30,31", "BYSETPOS=-1"} {
		if !strings.Contains(s, part) {
			t.Fatalf("RRULE %q missing %s", s, part)
		}
	}
	if _, err := RRuleString(Rule{}, date(2024, 1, 1)); err == nil {
		t.Fatal("expected error for zero rule")
	}
}
