package recurrence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Recurrence type spellings accepted from forms and API bodies.
const (
	TypeFixedInterval = "FIXED_INTERVAL"
	TypeDaily         = "CALENDAR_DAILY"
	TypeWeekly        = "CALENDAR_WEEKLY"
	TypeMonthly       = "CALENDAR_MONTHLY"
	TypeYearly        = "CALENDAR_YEARLY"
)

// DefaultImportInterval is applied by import/migration tooling to records
// that carry no recurrence at all. It is never applied by NextDue.
var DefaultImportInterval = MustRule(NewFixedInterval(6, Months, NoTolerance))

// Form is the flat configuration shape used by forms, API bodies and the
// persisted JSON column. Optional numbers are pointers so that an absent
// field can be told apart from zero.
type Form struct {
	RecurrenceType string   `json:"recurrenceType,omitempty" yaml:"recurrenceType,omitempty"`
	FrequencyValue *int     `json:"frequencyValue,omitempty" yaml:"frequencyValue,omitempty"`
	FrequencyUnit  string   `json:"frequencyUnit,omitempty" yaml:"frequencyUnit,omitempty"`
	DaysOfWeek     []string `json:"daysOfWeek,omitempty" yaml:"daysOfWeek,omitempty"`
	DayOfMonth     *int     `json:"dayOfMonth,omitempty" yaml:"dayOfMonth,omitempty"`
	DayOfYear      *int     `json:"dayOfYear,omitempty" yaml:"dayOfYear,omitempty"`
	MonthOfYear    *int     `json:"monthOfYear,omitempty" yaml:"monthOfYear,omitempty"`
	ToleranceValue *int     `json:"toleranceValue,omitempty" yaml:"toleranceValue,omitempty"`
	ToleranceUnit  string   `json:"toleranceUnit,omitempty" yaml:"toleranceUnit,omitempty"`
}

// IsEmpty reports whether no recurrence field is populated at all.
func (f Form) IsEmpty() bool {
	return strings.TrimSpace(f.RecurrenceType) == "" &&
		f.FrequencyValue == nil && strings.TrimSpace(f.FrequencyUnit) == "" &&
		len(f.DaysOfWeek) == 0 && f.DayOfMonth == nil &&
		f.DayOfYear == nil && f.MonthOfYear == nil &&
		f.ToleranceValue == nil && strings.TrimSpace(f.ToleranceUnit) == ""
}

// populated lists the kind-specific fields that carry a value.
func (f Form) populated() []string {
	var out []string
	if f.FrequencyValue != nil {
		out = append(out, "frequencyValue")
	}
	if strings.TrimSpace(f.FrequencyUnit) != "" {
		out = append(out, "frequencyUnit")
	}
	if len(f.DaysOfWeek) > 0 {
		out = append(out, "daysOfWeek")
	}
	if f.DayOfMonth != nil {
		out = append(out, "dayOfMonth")
	}
	if f.DayOfYear != nil {
		out = append(out, "dayOfYear")
	}
	if f.MonthOfYear != nil {
		out = append(out, "monthOfYear")
	}
	return out
}

var kindFields = map[Kind]map[string]bool{
	FixedInterval: {"frequencyValue": true, "frequencyUnit": true},
	Daily:         {},
	Weekly:        {"daysOfWeek": true},
	Monthly:       {"dayOfMonth": true},
	Yearly:        {"dayOfYear": true, "monthOfYear": true},
}

// ParseKind maps a recurrenceType spelling to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case TypeFixedInterval:
		return FixedInterval, nil
	case TypeDaily:
		return Daily, nil
	case TypeWeekly:
		return Weekly, nil
	case TypeMonthly:
		return Monthly, nil
	case TypeYearly:
		return Yearly, nil
	case "":
		return KindNone, invalid("recurrenceType", "required")
	default:
		return KindNone, invalid("recurrenceType", fmt.Sprintf("unknown type %q", s))
	}
}

// ParseWeekday accepts MONDAY..SUNDAY (any case, three-letter prefixes too).
func ParseWeekday(s string) (time.Weekday, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if len(v) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToUpper(d.String())
		if v == name || v == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func (f Form) tolerance() (Tolerance, error) {
	var t Tolerance
	if f.ToleranceValue != nil {
		t.Value = *f.ToleranceValue
	}
	if u := strings.TrimSpace(f.ToleranceUnit); u != "" {
		unit, ok := ParseUnit(u)
		if !ok {
			return Tolerance{}, invalid("toleranceUnit", fmt.Sprintf("unknown unit %q", u))
		}
		t.Unit = unit
	}
	return t, nil
}

// Rule converts the form into a Rule. Any field that does not belong to
// the declared recurrenceType is rejected rather than ignored.
func (f Form) Rule() (Rule, error) {
	kind, err := ParseKind(f.RecurrenceType)
	if err != nil {
		return Rule{}, err
	}
	allowed := kindFields[kind]
	for _, name := range f.populated() {
		if !allowed[name] {
			return Rule{}, invalid(name, "not allowed for "+kind.String())
		}
	}
	tol, err := f.tolerance()
	if err != nil {
		return Rule{}, err
	}

	switch kind {
	case FixedInterval:
		if f.FrequencyValue == nil {
			return Rule{}, invalid("frequencyValue", "required for "+TypeFixedInterval)
		}
		unit, ok := ParseUnit(f.FrequencyUnit)
		if !ok {
			if strings.TrimSpace(f.FrequencyUnit) == "" {
				return Rule{}, invalid("frequencyUnit", "required for "+TypeFixedInterval)
			}
			return Rule{}, invalid("frequencyUnit", fmt.Sprintf("unknown unit %q", f.FrequencyUnit))
		}
		return NewFixedInterval(*f.FrequencyValue, unit, tol)
	case Daily:
		return NewDaily(tol)
	case Weekly:
		days := make([]time.Weekday, 0, len(f.DaysOfWeek))
		for _, s := range f.DaysOfWeek {
			d, ok := ParseWeekday(s)
			if !ok {
				return Rule{}, invalid("daysOfWeek", fmt.Sprintf("unknown weekday %q", s))
			}
			days = append(days, d)
		}
		return NewWeekly(days, tol)
	case Monthly:
		if f.DayOfMonth == nil {
			return Rule{}, invalid("dayOfMonth", "required for "+TypeMonthly)
		}
		return NewMonthly(*f.DayOfMonth, tol)
	case Yearly:
		if f.DayOfYear == nil {
			return Rule{}, invalid("dayOfYear", "required for "+TypeYearly)
		}
		if f.MonthOfYear == nil {
			return Rule{}, invalid("monthOfYear", "required for "+TypeYearly)
		}
		return NewYearly(*f.DayOfYear, *f.MonthOfYear, tol)
	}
	return Rule{}, invalid("recurrenceType", "unsupported")
}

// RuleWithDefault is Rule, except that a completely empty form yields def.
// Only import and migration paths should call it.
func (f Form) RuleWithDefault(def Rule) (Rule, error) {
	if f.IsEmpty() {
		return def, nil
	}
	return f.Rule()
}

// FormFromRule renders r in canonical form: only the fields of its kind
// plus the tolerance.
func FormFromRule(r Rule) Form {
	if r.IsZero() {
		return Form{}
	}
	f := Form{
		RecurrenceType: r.kind.String(),
		ToleranceValue: intPtr(r.tol.Value),
		ToleranceUnit:  r.tol.Unit.String(),
	}
	switch r.kind {
	case FixedInterval:
		f.FrequencyValue = intPtr(r.value)
		f.FrequencyUnit = r.unit.String()
	case Weekly:
		for _, d := range r.days.list() {
			f.DaysOfWeek = append(f.DaysOfWeek, strings.ToUpper(d.String()))
		}
	case Monthly:
		f.DayOfMonth = intPtr(r.day)
	case Yearly:
		f.DayOfYear = intPtr(r.day)
		f.MonthOfYear = intPtr(int(r.month))
	}
	return f
}

func intPtr(v int) *int { return &v }

// MarshalJSON encodes the rule in Form shape. The zero Rule encodes as null.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(FormFromRule(r))
}

// UnmarshalJSON decodes a Form and validates it. Unknown keys are rejected.
func (r *Rule) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*r = Rule{}
		return nil
	}
	var f Form
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return err
	}
	v, err := f.Rule()
	if err != nil {
		return err
	}
	*r = v
	return nil
}
