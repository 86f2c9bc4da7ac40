package recurrence

import "time"

// Day reduces t to its UTC calendar date at 00:00 UTC. All due-date
// arithmetic works on UTC dates, so the zone t carries only matters
// through the instant it names.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysIn returns the number of days in month m of year y.
func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampDate builds y-m-d, normalizing month overflow first and then
// clamping d to the last day of the resulting month.
func clampDate(y int, m time.Month, d int) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	y, m = first.Year(), first.Month()
	if last := daysIn(y, m); d > last {
		d = last
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddUnits adds n calendar units to t's date. Month and year arithmetic
// clamps to the end of the target month (Jan 31 + 1 month = Feb 28/29),
// it never rolls over into the following month.
func AddUnits(t time.Time, n int, u Unit) time.Time {
	t = Day(t)
	switch u {
	case Days:
		return t.AddDate(0, 0, n)
	case Weeks:
		return t.AddDate(0, 0, 7*n)
	case Months:
		return addMonths(t, n)
	case Years:
		return addMonths(t, 12*n)
	default:
		return t
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return clampDate(y, m+time.Month(n), d)
}
