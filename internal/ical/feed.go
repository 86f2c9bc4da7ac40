// Package ical exports a calendar's member due dates as an iCalendar feed.
package ical

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
)

const (
	productID = "-//calibra//calibration schedule//EN"
	uidDomain = "calibra"

	// PropertyRRule carries the calendar's recurrence for information only;
	// each event is a single occurrence.
	PropertyRRule = ics.ComponentProperty("X-CALIBRA-RRULE")
)

// UID is stable per instrument so calendar clients update the event in
// place when the due date moves.
func UID(instrumentID string) string {
	return "due-" + instrumentID + "@" + uidDomain
}

// Build renders one all-day VEVENT per member on its next due date. An
// inactive calendar yields a feed without events.
func Build(cal *fleet.Calendar, members []*fleet.Instrument, now time.Time) (*ics.Calendar, error) {
	out := ics.NewCalendar()
	out.SetMethod(ics.MethodPublish)
	out.SetProductId(productID)
	out.SetCalscale("GREGORIAN")
	out.SetXWRCalName(cal.Name)
	if cal.Description != "" {
		out.SetXWRCalDesc(cal.Description)
	}
	if !cal.Active || cal.Rule.IsZero() {
		return out, nil
	}

	tol := cal.Rule.Tolerance()
	for _, inst := range members {
		if inst.Source.Kind() != fleet.SourceCalendar || inst.Source.Ref() != cal.ID {
			continue
		}
		due := recurrence.NextDue(cal.Rule, inst.Anchor())
		ev := out.AddEvent(UID(inst.ID))
		ev.SetDtStampTime(now.UTC())
		ev.SetAllDayStartAt(due)
		ev.SetAllDayEndAt(due.AddDate(0, 0, 1))
		ev.SetSummary("Calibrate " + displayName(inst))
		ev.SetDescription(describe(inst, cal.Rule, due, tol))
		rr, err := recurrence.RRuleString(cal.Rule, due)
		if err != nil {
			return nil, fmt.Errorf("rrule for %s: %w", inst.ID, err)
		}
		ev.SetProperty(PropertyRRule, rr)
	}
	return out, nil
}

// Write serializes the feed for cal to w.
func Write(w io.Writer, cal *fleet.Calendar, members []*fleet.Instrument, now time.Time) error {
	c, err := Build(cal, members, now)
	if err != nil {
		return err
	}
	return c.SerializeTo(w)
}

func displayName(inst *fleet.Instrument) string {
	if inst.Name != "" {
		return inst.Name + " (" + inst.ID + ")"
	}
	return inst.ID
}

func describe(inst *fleet.Instrument, rule recurrence.Rule, due time.Time, tol recurrence.Tolerance) string {
	lines := []string{
		"Instrument: " + inst.ID,
		"Schedule: " + rule.String(),
		"Tolerance: " + tol.String(),
		"Grace until: " + recurrence.GraceEnd(due, tol).Format(time.DateOnly),
	}
	if inst.LastCalibratedAt != nil {
		lines = append(lines, "Last calibrated: "+inst.LastCalibratedAt.Format(time.DateOnly))
	}
	return strings.Join(lines, "\n")
}
