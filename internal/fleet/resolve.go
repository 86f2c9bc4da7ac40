package fleet

import (
	"context"
	"time"

	"calibra/internal/recurrence"
)

// ResolveEffectiveRule returns the rule that currently governs inst.
//
//	None              no rule
//	Inline            the embedded rule
//	Method(id)        the method's current rule
//	Calendar(id)      the calendar's rule, or no rule while it is inactive
//
// A dangling method or calendar reference yields *NotFoundError.
func ResolveEffectiveRule(ctx context.Context, r Reader, inst *Instrument) (recurrence.Rule, bool, error) {
	src := inst.Source
	switch src.Kind() {
	case SourceInline:
		rule, _ := src.Rule()
		return rule, !rule.IsZero(), nil
	case SourceMethod:
		m, err := r.LoadMethod(ctx, src.Ref())
		if err != nil {
			return recurrence.Rule{}, false, err
		}
		return m.Rule, !m.Rule.IsZero(), nil
	case SourceCalendar:
		c, err := r.LoadCalendar(ctx, src.Ref())
		if err != nil {
			return recurrence.Rule{}, false, err
		}
		if !c.Active {
			return recurrence.Rule{}, false, nil
		}
		return c.Rule, !c.Rule.IsZero(), nil
	default:
		return recurrence.Rule{}, false, nil
	}
}

// dueFor computes the stored due date for inst under rule. No rule clears it.
func dueFor(inst *Instrument, rule recurrence.Rule, ok bool) *time.Time {
	if !ok || rule.IsZero() {
		return nil
	}
	d := recurrence.NextDue(rule, inst.Anchor())
	return &d
}

func sameDue(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
