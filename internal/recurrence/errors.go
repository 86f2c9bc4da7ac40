package recurrence

import "fmt"

// InvalidRuleError reports a malformed recurrence definition. Field uses
// the form spelling (frequencyValue, daysOfWeek, ...) so callers can point
// at the offending input.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e.Field == "" {
		return "invalid recurrence rule: " + e.Reason
	}
	return fmt.Sprintf("invalid recurrence rule: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *InvalidRuleError {
	return &InvalidRuleError{Field: field, Reason: reason}
}
