package recurrence

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"
)

var errNoRule = errors.New("recurrence: zero rule has no RRULE")

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// monthDays expresses "day d, clamped to the month length" as an RRULE
// filter. Days above 28 become BYMONTHDAY=28..d;BYSETPOS=-1.
func monthDays(d int) (days, setpos []int) {
	if d <= 28 {
		return []int{d}, nil
	}
	for i := 28; i <= d; i++ {
		days = append(days, i)
	}
	return days, []int{-1}
}

// ToROption describes r as an RFC 5545 recurrence starting at dtstart.
//
// The export is informational. For fixed month/year intervals the RRULE
// keeps dtstart's day of month, whereas chaining NextDue carries any
// end-of-month clamp forward.
func ToROption(r Rule, dtstart time.Time) (rrule.ROption, error) {
	start := Day(dtstart)
	opt := rrule.ROption{Dtstart: start, Interval: 1}
	switch r.kind {
	case FixedInterval:
		opt.Interval = r.value
		switch r.unit {
		case Days:
			opt.Freq = rrule.DAILY
		case Weeks:
			opt.Freq = rrule.WEEKLY
		case Months:
			opt.Freq = rrule.MONTHLY
			opt.Bymonthday, opt.Bysetpos = monthDays(start.Day())
		case Years:
			opt.Freq = rrule.YEARLY
			opt.Bymonth = []int{int(start.Month())}
			opt.Bymonthday, opt.Bysetpos = monthDays(start.Day())
		}
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
		for _, d := range r.days.list() {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday, opt.Bysetpos = monthDays(r.day)
	case Yearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(r.month)}
		opt.Bymonthday, opt.Bysetpos = monthDays(r.day)
	default:
		return rrule.ROption{}, errNoRule
	}
	return opt, nil
}

// RRuleString renders r as an RRULE value (without the "RRULE:" prefix).
func RRuleString(r Rule, dtstart time.Time) (string, error) {
	opt, err := ToROption(r, dtstart)
	if err != nil {
		return "", err
	}
	return opt.RRuleString(), nil
}

// NewRRule builds an rrule-go iterator for r anchored at dtstart.
func NewRRule(r Rule, dtstart time.Time) (*rrule.RRule, error) {
	opt, err := ToROption(r, dtstart)
	if err != nil {
		return nil, err
	}
	return rrule.NewRRule(opt)
}
