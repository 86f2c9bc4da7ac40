package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "calibra/pkg/logx"
)

// Conflict reports an instrument that already had a schedule source when a
// method was applied to it. The override still happens.
type Conflict struct {
	InstrumentID string `json:"instrument_id"`
	Previous     Source `json:"previous"`
}

type ApplyResult struct {
	Calendar        *Calendar     `json:"calendar"`
	CalendarCreated bool          `json:"calendar_created"`
	Reassigned      []string      `json:"reassigned"`
	Conflicts       []Conflict    `json:"conflicts"`
	Instruments     []*Instrument `json:"-"`
}

type RemoveResult struct {
	AffectedCount int      `json:"affected_count"`
	Affected      []string `json:"affected"`
}

// maxCalendarSuffix bounds the " (n)" search for a free calendar name.
const maxCalendarSuffix = 1000

// ApplyMethod moves every listed instrument onto a calendar carrying a copy
// of the method's current rule.
//
// Validation happens before any write, in this order: empty batch, unknown
// method, unknown instrument, method type scope. Instruments that already
// had a source are overridden and listed in Conflicts.
//
// Calendar selection: a non-empty calendarName reuses the calendar of that
// name (refreshing its rule copy and provenance) or creates it. An empty
// name uses the method's name; a calendar of that name derived from the same
// method is reused, otherwise the first free "<name> (n)" is created.
//
// The whole operation is one transaction.
func (s *Service) ApplyMethod(ctx context.Context, methodID string, instrumentIDs []string, calendarName string) (ApplyResult, error) {
	ids := dedupeIDs(instrumentIDs)
	if len(ids) == 0 {
		return ApplyResult{}, ErrEmptyBatch
	}
	var res ApplyResult
	err := s.store.Update(ctx, func(tx Tx) error {
		m, err := tx.LoadMethod(ctx, methodID)
		if err != nil {
			return err
		}
		insts := make([]*Instrument, 0, len(ids))
		for _, id := range ids {
			inst, err := tx.LoadInstrument(ctx, id)
			if err != nil {
				return err
			}
			insts = append(insts, inst)
		}
		for _, inst := range insts {
			if err := checkScope(m, inst); err != nil {
				return err
			}
		}

		now := s.now()
		cal, created, err := s.calendarForApply(ctx, tx, m, calendarName, now)
		if err != nil {
			return err
		}

		target := CalendarSource(cal.ID)
		batch := make([]*Instrument, 0, len(insts))
		inBatch := make(map[string]struct{}, len(insts))
		res = ApplyResult{Calendar: cal, CalendarCreated: created}
		for _, inst := range insts {
			if !inst.Source.IsNone() {
				res.Conflicts = append(res.Conflicts, Conflict{InstrumentID: inst.ID, Previous: inst.Source})
			}
			inst.Source = target
			inst.NextDueAt = dueFor(inst, cal.Rule, cal.Active)
			inst.UpdatedAt = now
			batch = append(batch, inst)
			inBatch[inst.ID] = struct{}{}
			res.Reassigned = append(res.Reassigned, inst.ID)
		}
		if err := tx.SaveInstrumentBatch(ctx, batch); err != nil {
			return err
		}
		res.Instruments = batch

		if !created {
			// A reused calendar got a fresh rule copy; bring its other
			// members in line.
			members, err := tx.ListInstruments(ctx, MembersOf(cal.ID))
			if err != nil {
				return err
			}
			others := members[:0]
			for _, inst := range members {
				if _, ok := inBatch[inst.ID]; !ok {
					others = append(others, inst)
				}
			}
			if _, _, err := recompute(ctx, tx, others, now, false); err != nil {
				return err
			}
		}

		meta := fmt.Sprintf("method=%s conflicts=%d", m.ID, len(res.Conflicts))
		return s.audit(ctx, tx, now, "method.apply", cal.ID, len(batch), meta)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	s.log.Debug("method applied",
		logx.String("method", methodID),
		logx.String("calendar", res.Calendar.ID),
		logx.Bool("calendar_created", res.CalendarCreated),
		logx.Int("reassigned", len(res.Reassigned)),
		logx.Int("conflicts", len(res.Conflicts)),
	)
	return res, nil
}

func (s *Service) calendarForApply(ctx context.Context, tx Tx, m *Method, calendarName string, now time.Time) (*Calendar, bool, error) {
	name := strings.TrimSpace(calendarName)
	if name != "" {
		c, err := tx.FindCalendarByName(ctx, name)
		switch {
		case err == nil:
			return c, false, s.refreshCalendar(ctx, tx, c, m, now)
		case IsNotFound(err):
			c, err := s.newCalendar(ctx, tx, name, m, now)
			return c, true, err
		default:
			return nil, false, err
		}
	}

	base := m.Name
	for n := 1; n <= maxCalendarSuffix; n++ {
		candidate := base
		if n > 1 {
			candidate = fmt.Sprintf("%s (%d)", base, n)
		}
		c, err := tx.FindCalendarByName(ctx, candidate)
		if err != nil {
			if !IsNotFound(err) {
				return nil, false, err
			}
			c, err := s.newCalendar(ctx, tx, candidate, m, now)
			return c, true, err
		}
		if c.MethodID == m.ID {
			return c, false, s.refreshCalendar(ctx, tx, c, m, now)
		}
	}
	return nil, false, &DuplicateNameError{Entity: "calendar", Name: base}
}

// refreshCalendar replaces c's rule with a copy of m's and re-links its
// provenance. Applying a method schedules instruments, so the calendar is
// (re)activated.
func (s *Service) refreshCalendar(ctx context.Context, tx Tx, c *Calendar, m *Method, now time.Time) error {
	if c.Rule.Equal(m.Rule) && c.MethodID == m.ID && c.Active {
		return nil
	}
	c.Rule = m.Rule
	c.MethodID = m.ID
	c.Active = true
	c.UpdatedAt = now
	return tx.SaveCalendar(ctx, c)
}

func (s *Service) newCalendar(ctx context.Context, tx Tx, name string, m *Method, now time.Time) (*Calendar, error) {
	c := &Calendar{
		ID:          s.newID(),
		Name:        name,
		Description: m.Description,
		Active:      true,
		Rule:        m.Rule,
		MethodID:    m.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.SaveCalendar(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoveMethod reverts the listed instruments whose source is exactly the
// method to no source. Calendar-sourced instruments are left alone, even
// when the calendar was derived from the method.
func (s *Service) RemoveMethod(ctx context.Context, methodID string, instrumentIDs []string) (RemoveResult, error) {
	ids := dedupeIDs(instrumentIDs)
	if len(ids) == 0 {
		return RemoveResult{}, ErrEmptyBatch
	}
	var res RemoveResult
	err := s.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.LoadMethod(ctx, methodID); err != nil {
			return err
		}
		target := MethodSource(methodID)
		now := s.now()
		batch := make([]*Instrument, 0, len(ids))
		for _, id := range ids {
			inst, err := tx.LoadInstrument(ctx, id)
			if err != nil {
				return err
			}
			if !inst.Source.Same(target) {
				continue
			}
			inst.Source = NoSource()
			inst.NextDueAt = nil
			inst.UpdatedAt = now
			batch = append(batch, inst)
		}
		res = RemoveResult{AffectedCount: len(batch), Affected: make([]string, 0, len(batch))}
		for _, inst := range batch {
			res.Affected = append(res.Affected, inst.ID)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := tx.SaveInstrumentBatch(ctx, batch); err != nil {
			return err
		}
		return s.audit(ctx, tx, now, "method.remove", methodID, len(batch), "")
	})
	if err != nil {
		return RemoveResult{}, err
	}
	s.log.Debug("method removed", logx.String("method", methodID), logx.Int("affected", res.AffectedCount))
	return res, nil
}
