package recurrence

import (
	"errors"
	"testing"
	"time"
)

func TestConstructorsReject(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		build func() (Rule, error)
		field string
	}{
		{name: "zero interval", build: func() (Rule, error) { return NewFixedInterval(0, Days, NoTolerance) }, field: "frequencyValue"},
		{name: "negative interval", build: func() (Rule, error) { return NewFixedInterval(-3, Weeks, NoTolerance) }, field: "frequencyValue"},
		{name: "missing unit", build: func() (Rule, error) { return NewFixedInterval(3, unitNone, NoTolerance) }, field: "frequencyUnit"},
		{name: "no weekdays", build: func() (Rule, error) { return NewWeekly(nil, NoTolerance) }, field: "daysOfWeek"},
		{name: "duplicate weekday", build: func() (Rule, error) {
			return NewWeekly([]time.Weekday{time.Monday, time.Monday}, NoTolerance)
		}, field: "daysOfWeek"},
		{name: "day of month 0", build: func() (Rule, error) { return NewMonthly(0, NoTolerance) }, field: "dayOfMonth"},
		{name: "day of month 32", build: func() (Rule, error) { return NewMonthly(32, NoTolerance) }, field: "dayOfMonth"},
		{name: "month 13", build: func() (Rule, error) { return NewYearly(1, 13, NoTolerance) }, field: "monthOfYear"},
		{name: "feb 30", build: func() (Rule, error) { return NewYearly(30, 2, NoTolerance) }, field: "dayOfYear"},
		{name: "apr 31", build: func() (Rule, error) { return NewYearly(31, 4, NoTolerance) }, field: "dayOfYear"},
		{name: "negative tolerance", build: func() (Rule, error) { return NewDaily(Tolerance{Value: -1, Unit: Days}) }, field: "toleranceValue"},
		{name: "tolerance in years", build: func() (Rule, error) { return NewDaily(Tolerance{Value: 1, Unit: Years}) }, field: "toleranceUnit"},
		{name: "tolerance without unit", build: func() (Rule, error) { return NewDaily(Tolerance{Value: 2}) }, field: "toleranceUnit"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := tt.build()
			var ire *InvalidRuleError
			if !errors.As(err, &ire) {
				t.Fatalf("expected InvalidRuleError, got %v", err)
			}
			if ire.Field != tt.field {
				t.Fatalf("Field = %q, want %q", ire.Field, tt.field)
			}
			if !r.IsZero() {
				t.Fatalf("expected zero rule on error, got %s", r)
			}
		})
	}
}

func TestYearlyAcceptsFeb29(t *testing.T) {
	t.Parallel()
	r, err := NewYearly(29, 2, NoTolerance)
	if err != nil {
		t.Fatalf("NewYearly(29, 2) error: %v", err)
	}
	if d, m := r.YearlyDate(); d != 29 || m != time.February {
		t.Fatalf("YearlyDate = %d %s", d, m)
	}
}

func TestRuleEquality(t *testing.T) {
	t.Parallel()
	a := MustRule(NewWeekly([]time.Weekday{time.Friday, time.Monday}, Tolerance{Value: 2, Unit: Days}))
	b := MustRule(NewWeekly([]time.Weekday{time.Monday, time.Friday}, Tolerance{Value: 2, Unit: Days}))
	if !a.Equal(b) {
		t.Fatalf("expected %s == %s", a, b)
	}
	c, err := b.WithTolerance(Tolerance{Value: 3, Unit: Days})
	if err != nil {
		t.Fatalf("WithTolerance error: %v", err)
	}
	if a.Equal(c) {
		t.Fatalf("expected tolerance change to break equality")
	}
	if got := a.Weekdays(); len(got) != 2 || got[0] != time.Monday || got[1] != time.Friday {
		t.Fatalf("Weekdays = %v, want [Monday Friday]", got)
	}
}

func TestZeroToleranceNormalizes(t *testing.T) {
	t.Parallel()
	a := MustRule(NewDaily(Tolerance{}))
	b := MustRule(NewDaily(NoTolerance))
	if !a.Equal(b) {
		t.Fatalf("expected zero tolerance to normalize: %+v vs %+v", a.Tolerance(), b.Tolerance())
	}
}

func TestRuleString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rule Rule
		want string
	}{
		{MustRule(NewFixedInterval(1, Months, NoTolerance)), "every 1 month (no grace)"},
		{MustRule(NewFixedInterval(6, Months, Tolerance{Value: 2, Unit: Weeks})), "every 6 months (2 weeks grace)"},
		{MustRule(NewWeekly([]time.Weekday{time.Sunday, time.Monday}, NoTolerance)), "weekly on Mon,Sun (no grace)"},
		{MustRule(NewYearly(1, 9, NoTolerance)), "yearly on 1 Sep (no grace)"},
		{Rule{}, "none"},
	}
	for _, tt := range tests {
		if got := tt.rule.String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}
