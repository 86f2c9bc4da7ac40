package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the shape of a Rule.
type Kind uint8

const (
	KindNone Kind = iota
	FixedInterval
	Daily
	Weekly
	Monthly
	Yearly
)

func (k Kind) String() string {
	switch k {
	case FixedInterval:
		return TypeFixedInterval
	case Daily:
		return TypeDaily
	case Weekly:
		return TypeWeekly
	case Monthly:
		return TypeMonthly
	case Yearly:
		return TypeYearly
	default:
		return "NONE"
	}
}

// Unit is a calendar unit used by fixed intervals and tolerance windows.
type Unit uint8

const (
	unitNone Unit = iota
	Days
	Weeks
	Months
	Years
)

func (u Unit) String() string {
	switch u {
	case Days:
		return "DAYS"
	case Weeks:
		return "WEEKS"
	case Months:
		return "MONTHS"
	case Years:
		return "YEARS"
	default:
		return ""
	}
}

// ParseUnit accepts the upper-case form spelling (DAYS, WEEKS, MONTHS, YEARS).
// Lower-case and singular spellings are tolerated.
func ParseUnit(s string) (Unit, bool) {
	switch strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "S") {
	case "DAY":
		return Days, true
	case "WEEK":
		return Weeks, true
	case "MONTH":
		return Months, true
	case "YEAR":
		return Years, true
	default:
		return unitNone, false
	}
}

// Tolerance is the grace window after a due date.
type Tolerance struct {
	Value int
	Unit  Unit
}

// NoTolerance is a zero-width grace window.
var NoTolerance = Tolerance{Value: 0, Unit: Days}

func (t Tolerance) normalize() (Tolerance, error) {
	if t.Value < 0 {
		return Tolerance{}, invalid("toleranceValue", "must be >= 0")
	}
	if t.Unit == unitNone {
		if t.Value != 0 {
			return Tolerance{}, invalid("toleranceUnit", "required when toleranceValue > 0")
		}
		return NoTolerance, nil
	}
	switch t.Unit {
	case Days, Weeks, Months:
		return t, nil
	default:
		return Tolerance{}, invalid("toleranceUnit", fmt.Sprintf("%s is not allowed (DAYS, WEEKS or MONTHS)", t.Unit))
	}
}

func (t Tolerance) String() string {
	if t.Value == 0 {
		return "no grace"
	}
	return fmt.Sprintf("%d %s grace", t.Value, strings.ToLower(t.Unit.String()))
}

// weekdaySet is a bitmask indexed by time.Weekday. It keeps Rule comparable.
type weekdaySet uint8

func (s weekdaySet) has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s weekdaySet) list() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	// Monday first, Sunday last.
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if s.has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Rule describes how often a recalibration is due and how long the grace
// period lasts. The zero Rule means "no rule".
//
// Rule is comparable; two rules are equal iff they describe the same schedule.
type Rule struct {
	kind Kind

	// FixedInterval
	value int
	unit  Unit

	// Weekly
	days weekdaySet

	// Monthly (day of month) and Yearly (day + month)
	day   int
	month time.Month

	tol Tolerance
}

// NewFixedInterval builds "every value units".
func NewFixedInterval(value int, unit Unit, tol Tolerance) (Rule, error) {
	if value <= 0 {
		return Rule{}, invalid("frequencyValue", "must be > 0")
	}
	switch unit {
	case Days, Weeks, Months, Years:
	default:
		return Rule{}, invalid("frequencyUnit", "required (DAYS, WEEKS, MONTHS or YEARS)")
	}
	t, err := tol.normalize()
	if err != nil {
		return Rule{}, err
	}
	return Rule{kind: FixedInterval, value: value, unit: unit, tol: t}, nil
}

// NewDaily builds "every day".
func NewDaily(tol Tolerance) (Rule, error) {
	t, err := tol.normalize()
	if err != nil {
		return Rule{}, err
	}
	return Rule{kind: Daily, tol: t}, nil
}

// NewWeekly builds "every week on the given weekdays".
func NewWeekly(days []time.Weekday, tol Tolerance) (Rule, error) {
	if len(days) == 0 {
		return Rule{}, invalid("daysOfWeek", "at least one weekday is required")
	}
	var set weekdaySet
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return Rule{}, invalid("daysOfWeek", fmt.Sprintf("invalid weekday %d", int(d)))
		}
		if set.has(d) {
			return Rule{}, invalid("daysOfWeek", fmt.Sprintf("duplicate weekday %s", strings.ToUpper(d.String())))
		}
		set |= 1 << uint(d)
	}
	t, err := tol.normalize()
	if err != nil {
		return Rule{}, err
	}
	return Rule{kind: Weekly, days: set, tol: t}, nil
}

// NewMonthly builds "every month on dayOfMonth" (clamped to short months).
func NewMonthly(dayOfMonth int, tol Tolerance) (Rule, error) {
	if dayOfMonth < 1 || dayOfMonth > 31 {
		return Rule{}, invalid("dayOfMonth", "must be between 1 and 31")
	}
	t, err := tol.normalize()
	if err != nil {
		return Rule{}, err
	}
	return Rule{kind: Monthly, day: dayOfMonth, tol: t}, nil
}

// NewYearly builds "every year on day/month". Feb 29 is accepted and
// clamped to Feb 28 in common years; dates that never exist (Feb 30,
// Apr 31) are rejected.
func NewYearly(day, month int, tol Tolerance) (Rule, error) {
	if month < 1 || month > 12 {
		return Rule{}, invalid("monthOfYear", "must be between 1 and 12")
	}
	if day < 1 || day > 31 {
		return Rule{}, invalid("dayOfYear", "must be between 1 and 31")
	}
	// 2000 is a leap year, so this is the longest the month ever gets.
	if limit := daysIn(2000, time.Month(month)); day > limit {
		return Rule{}, invalid("dayOfYear", fmt.Sprintf("%s has at most %d days", time.Month(month), limit))
	}
	t, err := tol.normalize()
	if err != nil {
		return Rule{}, err
	}
	return Rule{kind: Yearly, day: day, month: time.Month(month), tol: t}, nil
}

// MustRule panics when err is non-nil. Intended for package-level defaults.
func MustRule(r Rule, err error) Rule {
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) Kind() Kind           { return r.kind }
func (r Rule) IsZero() bool         { return r.kind == KindNone }
func (r Rule) Tolerance() Tolerance { return r.tol }
func (r Rule) Equal(o Rule) bool    { return r == o }

// Interval returns the FixedInterval parameters (0, unitNone otherwise).
func (r Rule) Interval() (int, Unit) { return r.value, r.unit }

// Weekdays returns the Weekly days, Monday first.
func (r Rule) Weekdays() []time.Weekday {
	if r.kind != Weekly {
		return nil
	}
	return r.days.list()
}

// DayOfMonth returns the Monthly day (0 for other kinds).
func (r Rule) DayOfMonth() int {
	if r.kind != Monthly {
		return 0
	}
	return r.day
}

// YearlyDate returns the Yearly day and month (0, 0 for other kinds).
func (r Rule) YearlyDate() (day int, month time.Month) {
	if r.kind != Yearly {
		return 0, 0
	}
	return r.day, r.month
}

// WithTolerance returns a copy of r with a different grace window.
func (r Rule) WithTolerance(tol Tolerance) (Rule, error) {
	if r.IsZero() {
		return Rule{}, invalid("recurrenceType", "required")
	}
	t, err := tol.normalize()
	if err != nil {
		return Rule{}, err
	}
	r.tol = t
	return r, nil
}

func (r Rule) String() string {
	var s string
	switch r.kind {
	case FixedInterval:
		u := strings.ToLower(r.unit.String())
		if r.value == 1 {
			u = strings.TrimSuffix(u, "s")
		}
		s = fmt.Sprintf("every %d %s", r.value, u)
	case Daily:
		s = "daily"
	case Weekly:
		names := make([]string, 0, 7)
		for _, d := range r.days.list() {
			names = append(names, d.String()[:3])
		}
		s = "weekly on " + strings.Join(names, ",")
	case Monthly:
		s = fmt.Sprintf("monthly on day %d", r.day)
	case Yearly:
		s = fmt.Sprintf("yearly on %d %s", r.day, r.month.String()[:3])
	default:
		return "none"
	}
	return s + " (" + r.tol.String() + ")"
}
