package recurrence

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	due := date(2024, 1, 10)
	fiveDays := Tolerance{Value: 5, Unit: Days}
	tests := []struct {
		name string
		tol  Tolerance
		asOf time.Time
		want Status
	}{
		{name: "day before due", tol: fiveDays, asOf: date(2024, 1, 9), want: Upcoming},
		{name: "on due date", tol: fiveDays, asOf: date(2024, 1, 10), want: Grace},
		{name: "last grace day", tol: fiveDays, asOf: date(2024, 1, 15), want: Grace},
		{name: "after grace", tol: fiveDays, asOf: date(2024, 1, 16), want: Overdue},
		{name: "time of day ignored", tol: fiveDays, asOf: time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC), want: Grace},
		{name: "zero tolerance on due", tol: NoTolerance, asOf: date(2024, 1, 10), want: Grace},
		{name: "zero tolerance day after", tol: NoTolerance, asOf: date(2024, 1, 11), want: Overdue},
		{name: "month tolerance", tol: Tolerance{Value: 1, Unit: Months}, asOf: date(2024, 2, 10), want: Grace},
		{name: "month tolerance exceeded", tol: Tolerance{Value: 1, Unit: Months}, asOf: date(2024, 2, 11), want: Overdue},
		{name: "week tolerance", tol: Tolerance{Value: 1, Unit: Weeks}, asOf: date(2024, 1, 17), want: Grace},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Evaluate(due, tt.tol, tt.asOf); got != tt.want {
				t.Fatalf("Evaluate(%s) = %s, want %s", tt.asOf.Format(time.DateOnly), got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{Upcoming, Grace, Overdue} {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q) = %v, %v", s.String(), got, err)
		}
	}
	if got, _ := ParseStatus("DUE"); got != Grace {
		t.Fatalf("expected due alias to map to grace, got %s", got)
	}
	if _, err := ParseStatus("late"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
