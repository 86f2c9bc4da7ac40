package alert

import (
	"fmt"
	"strings"
	"time"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
)

const dateLayout = "2006-01-02"

func label(inst *fleet.Instrument) string {
	if inst.Name == "" || inst.Name == inst.ID {
		return inst.ID
	}
	return inst.ID + " " + inst.Name
}

// Line renders one report row relative to asOf.
func Line(v fleet.StatusView, asOf time.Time) string {
	due := v.DueAt.Format(dateLayout)
	days := int(recurrence.Day(asOf).Sub(recurrence.Day(v.DueAt)).Hours() / 24)
	switch v.Status {
	case recurrence.Overdue:
		return fmt.Sprintf("- %s: due %s (%dd late, grace ended %s)", label(v.Instrument), due, days, v.GraceEnd.Format(dateLayout))
	case recurrence.Grace:
		return fmt.Sprintf("- %s: due %s, grace until %s", label(v.Instrument), due, v.GraceEnd.Format(dateLayout))
	default:
		return fmt.Sprintf("- %s: due %s (in %dd)", label(v.Instrument), due, -days)
	}
}

func section(b *strings.Builder, title string, rows []fleet.StatusView, asOf time.Time) {
	if len(rows) == 0 {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "%s (%d):\n", title, len(rows))
	for _, r := range rows {
		b.WriteString(Line(r, asOf))
		b.WriteString("\n")
	}
}

// Format renders rep grouped by status, most urgent first. It returns ""
// when the report has no rows and no dangling references.
func Format(rep fleet.Report) string {
	var overdue, grace, upcoming []fleet.StatusView
	for _, r := range rep.Rows {
		switch r.Status {
		case recurrence.Overdue:
			overdue = append(overdue, r)
		case recurrence.Grace:
			grace = append(grace, r)
		case recurrence.Upcoming:
			upcoming = append(upcoming, r)
		}
	}
	var b strings.Builder
	section(&b, "Overdue", overdue, rep.AsOf)
	section(&b, "In grace", grace, rep.AsOf)
	section(&b, "Upcoming", upcoming, rep.AsOf)
	if len(rep.Dangling) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Broken schedule reference: %s\n", strings.Join(rep.Dangling, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Digest renders the digest message for rep, or "" when nothing is due
// within the horizon.
func Digest(rep fleet.Report, horizon time.Duration) string {
	body := Format(rep)
	if body == "" {
		return ""
	}
	return fmt.Sprintf("Calibration digest %s (next %s)\n\n%s", rep.AsOf.Format(dateLayout), humanDays(horizon), body)
}

func humanDays(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	return d.String()
}
