package recurrence

import "time"

// NextDue returns the first due date governed by r after anchor.
//
// The result is always strictly after anchor's date. NextDue is
// deterministic and never consults the wall clock. The zero Rule has no
// due date and yields the zero time.
func NextDue(r Rule, anchor time.Time) time.Time {
	a := Day(anchor)
	switch r.kind {
	case FixedInterval:
		return AddUnits(a, r.value, r.unit)
	case Daily:
		return a.AddDate(0, 0, 1)
	case Weekly:
		for i := 1; i <= 7; i++ {
			d := a.AddDate(0, 0, i)
			if r.days.has(d.Weekday()) {
				return d
			}
		}
		// unreachable: constructors reject an empty set
		return time.Time{}
	case Monthly:
		y, m, _ := a.Date()
		return clampDate(y, m+1, r.day)
	case Yearly:
		y := a.Year()
		if d := clampDate(y, r.month, r.day); d.After(a) {
			return d
		}
		return clampDate(y+1, r.month, r.day)
	default:
		return time.Time{}
	}
}

// Occurrences chains NextDue n times starting from anchor.
func Occurrences(r Rule, anchor time.Time, n int) []time.Time {
	if r.IsZero() || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	at := anchor
	for i := 0; i < n; i++ {
		at = NextDue(r, at)
		out = append(out, at)
	}
	return out
}
