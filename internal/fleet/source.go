package fleet

import (
	"encoding/json"
	"fmt"

	"calibra/internal/recurrence"
)

// SourceKind names where an instrument's schedule comes from.
type SourceKind string

const (
	SourceNone     SourceKind = "none"
	SourceInline   SourceKind = "inline"
	SourceMethod   SourceKind = "method"
	SourceCalendar SourceKind = "calendar"
)

// ParseSourceKind accepts the lowercase kind names.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(s); k {
	case SourceNone, SourceInline, SourceMethod, SourceCalendar:
		return k, nil
	case "":
		return SourceNone, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

// Source is the single schedule source of an instrument. The zero value is
// NoSource. Source is comparable.
type Source struct {
	kind SourceKind
	ref  string
	rule recurrence.Rule
}

func NoSource() Source                        { return Source{} }
func InlineSource(r recurrence.Rule) Source   { return Source{kind: SourceInline, rule: r} }
func MethodSource(methodID string) Source     { return Source{kind: SourceMethod, ref: methodID} }
func CalendarSource(calendarID string) Source { return Source{kind: SourceCalendar, ref: calendarID} }

func (s Source) Kind() SourceKind {
	if s.kind == "" {
		return SourceNone
	}
	return s.kind
}

// Ref is the method or calendar id ("" for None and Inline).
func (s Source) Ref() string { return s.ref }

// Rule returns the inline rule.
func (s Source) Rule() (recurrence.Rule, bool) {
	if s.kind != SourceInline {
		return recurrence.Rule{}, false
	}
	return s.rule, true
}

func (s Source) IsNone() bool { return s.Kind() == SourceNone }
func (s Source) Same(o Source) bool {
	return s.Kind() == o.Kind() && s.ref == o.ref && s.rule == o.rule
}

func (s Source) String() string {
	switch s.Kind() {
	case SourceInline:
		return "inline(" + s.rule.String() + ")"
	case SourceMethod, SourceCalendar:
		return string(s.kind) + ":" + s.ref
	default:
		return "none"
	}
}

type sourceJSON struct {
	Kind SourceKind       `json:"kind"`
	Ref  string           `json:"ref,omitempty"`
	Rule *recurrence.Rule `json:"rule,omitempty"`
}

func (s Source) MarshalJSON() ([]byte, error) {
	out := sourceJSON{Kind: s.Kind(), Ref: s.ref}
	if s.kind == SourceInline {
		r := s.rule
		out.Rule = &r
	}
	return json.Marshal(out)
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var in sourceJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	v, err := NewSource(in.Kind, in.Ref, in.Rule)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// NewSource builds a Source from its parts, validating that exactly the
// fields of kind are present.
func NewSource(kind SourceKind, ref string, rule *recurrence.Rule) (Source, error) {
	switch kind {
	case SourceNone, "":
		if ref != "" || (rule != nil && !rule.IsZero()) {
			return Source{}, &ValidationError{Field: "source", Reason: "none takes no ref or rule"}
		}
		return NoSource(), nil
	case SourceInline:
		if rule == nil || rule.IsZero() {
			return Source{}, &ValidationError{Field: "source.rule", Reason: "inline source requires a rule"}
		}
		if ref != "" {
			return Source{}, &ValidationError{Field: "source.ref", Reason: "inline source takes no ref"}
		}
		return InlineSource(*rule), nil
	case SourceMethod, SourceCalendar:
		if ref == "" {
			return Source{}, &ValidationError{Field: "source.ref", Reason: string(kind) + " source requires a ref"}
		}
		if rule != nil && !rule.IsZero() {
			return Source{}, &ValidationError{Field: "source.rule", Reason: string(kind) + " source takes no rule"}
		}
		if kind == SourceMethod {
			return MethodSource(ref), nil
		}
		return CalendarSource(ref), nil
	default:
		return Source{}, &ValidationError{Field: "source.kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
}
