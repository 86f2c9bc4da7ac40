package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Status is the calibration state of an instrument relative to its due date.
type Status uint8

const (
	StatusUnknown Status = iota
	// Upcoming: the due date has not been reached.
	Upcoming
	// Grace: due, but still within the tolerance window.
	Grace
	// Overdue: past the end of the tolerance window.
	Overdue
)

func (s Status) String() string {
	switch s {
	case Upcoming:
		return "upcoming"
	case Grace:
		return "grace"
	case Overdue:
		return "overdue"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upcoming":
		return Upcoming, nil
	case "grace", "due":
		return Grace, nil
	case "overdue":
		return Overdue, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown status %q", s)
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// GraceEnd is the last day of the tolerance window that starts on due.
func GraceEnd(due time.Time, tol Tolerance) time.Time {
	return AddUnits(due, tol.Value, tol.Unit)
}

// Evaluate classifies asOf against due and its tolerance window.
//
//	asOf <  due             Upcoming
//	due  <= asOf <= graceEnd Grace
//	asOf >  graceEnd        Overdue
//
// With a zero tolerance the grace window is the due date itself.
func Evaluate(due time.Time, tol Tolerance, asOf time.Time) Status {
	d := Day(due)
	now := Day(asOf)
	switch {
	case now.Before(d):
		return Upcoming
	case !now.After(GraceEnd(d, tol)):
		return Grace
	default:
		return Overdue
	}
}
