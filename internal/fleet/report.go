package fleet

import (
	"context"
	"sort"
	"time"

	"calibra/internal/recurrence"
	logx "calibra/pkg/logx"
)

// StatusView is an instrument's schedule evaluated at a point in time.
// Unscheduled instruments have Scheduled=false and StatusUnknown.
type StatusView struct {
	Instrument *Instrument       `json:"instrument"`
	Scheduled  bool              `json:"scheduled"`
	Rule       recurrence.Rule   `json:"rule"`
	DueAt      time.Time         `json:"due_at"`
	GraceEnd   time.Time         `json:"grace_end"`
	Status     recurrence.Status `json:"status"`
}

// ReportFilter narrows a report. Zero fields match everything.
type ReportFilter struct {
	Statuses   []recurrence.Status
	TypeID     string
	CalendarID string
	// DueBefore keeps rows due on or before this date.
	DueBefore time.Time
}

func (f ReportFilter) keep(v StatusView) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if st == v.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.DueBefore.IsZero() && v.DueAt.After(recurrence.Day(f.DueBefore)) {
		return false
	}
	return true
}

// Report is the evaluated schedule of the fleet.
type Report struct {
	AsOf time.Time    `json:"as_of"`
	Rows []StatusView `json:"rows"`
	// Dangling lists instruments whose source points at a missing record.
	Dangling []string `json:"dangling,omitempty"`
}

// Counts tallies rows per status.
func (r Report) Counts() map[recurrence.Status]int {
	out := make(map[recurrence.Status]int, 3)
	for _, row := range r.Rows {
		out[row.Status]++
	}
	return out
}

// cachingReader memoizes method and calendar lookups for the lifetime of
// one read.
type cachingReader struct {
	Reader
	methods   map[string]*Method
	calendars map[string]*Calendar
}

func newCachingReader(r Reader) *cachingReader {
	return &cachingReader{Reader: r, methods: map[string]*Method{}, calendars: map[string]*Calendar{}}
}

func (c *cachingReader) LoadMethod(ctx context.Context, id string) (*Method, error) {
	if m, ok := c.methods[id]; ok {
		return m, nil
	}
	m, err := c.Reader.LoadMethod(ctx, id)
	if err != nil {
		return nil, err
	}
	c.methods[id] = m
	return m, nil
}

func (c *cachingReader) LoadCalendar(ctx context.Context, id string) (*Calendar, error) {
	if cal, ok := c.calendars[id]; ok {
		return cal, nil
	}
	cal, err := c.Reader.LoadCalendar(ctx, id)
	if err != nil {
		return nil, err
	}
	c.calendars[id] = cal
	return cal, nil
}

// Evaluate resolves inst's rule through r and classifies it at asOf. The
// due date is computed from the rule and the anchor, not read from the
// stored NextDueAt.
func Evaluate(ctx context.Context, r Reader, inst *Instrument, asOf time.Time) (StatusView, error) {
	v := StatusView{Instrument: inst}
	rule, ok, err := ResolveEffectiveRule(ctx, r, inst)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, nil
	}
	due := recurrence.NextDue(rule, inst.Anchor())
	v.Scheduled = true
	v.Rule = rule
	v.DueAt = due
	v.GraceEnd = recurrence.GraceEnd(due, rule.Tolerance())
	v.Status = recurrence.Evaluate(due, rule.Tolerance(), asOf)
	return v, nil
}

// EffectiveRule returns the rule currently governing an instrument.
func (s *Service) EffectiveRule(ctx context.Context, id string) (recurrence.Rule, bool, error) {
	var rule recurrence.Rule
	var ok bool
	err := s.store.View(ctx, func(r Reader) error {
		inst, err := r.LoadInstrument(ctx, id)
		if err != nil {
			return err
		}
		rule, ok, err = ResolveEffectiveRule(ctx, r, inst)
		return err
	})
	return rule, ok, err
}

// Status evaluates one instrument. A zero asOf means now.
func (s *Service) Status(ctx context.Context, id string, asOf time.Time) (StatusView, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	var out StatusView
	err := s.store.View(ctx, func(r Reader) error {
		inst, err := r.LoadInstrument(ctx, id)
		if err != nil {
			return err
		}
		out, err = Evaluate(ctx, r, inst, asOf)
		return err
	})
	return out, err
}

// Report evaluates every scheduled instrument at asOf, sorted by due date.
// Instruments without an effective rule are left out. A zero asOf means now.
func (s *Service) Report(ctx context.Context, asOf time.Time, f ReportFilter) (Report, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	rep := Report{AsOf: recurrence.Day(asOf)}
	err := s.store.View(ctx, func(r Reader) error {
		lf := InstrumentFilter{TypeID: f.TypeID}
		if f.CalendarID != "" {
			lf = MembersOf(f.CalendarID)
			lf.TypeID = f.TypeID
		}
		insts, err := r.ListInstruments(ctx, lf)
		if err != nil {
			return err
		}
		cr := newCachingReader(r)
		for _, inst := range insts {
			v, err := Evaluate(ctx, cr, inst, asOf)
			if err != nil {
				if IsNotFound(err) {
					rep.Dangling = append(rep.Dangling, inst.ID)
					continue
				}
				return err
			}
			if !v.Scheduled || !f.keep(v) {
				continue
			}
			rep.Rows = append(rep.Rows, v)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	sort.SliceStable(rep.Rows, func(i, j int) bool {
		a, b := rep.Rows[i], rep.Rows[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.Instrument.ID < b.Instrument.ID
	})
	return rep, nil
}

// RepairResult summarizes a Recompute run.
type RepairResult struct {
	Scanned  int      `json:"scanned"`
	Changed  []string `json:"changed"`
	Dangling []string `json:"dangling,omitempty"`
}

// Recompute rewrites stored due dates from the current rules, for the given
// instruments or the whole fleet. It uses the same calculator as every other
// write path. Instruments with a dangling source get their due date cleared
// and are reported. Runs as one transaction.
func (s *Service) Recompute(ctx context.Context, ids ...string) (RepairResult, error) {
	var res RepairResult
	err := s.store.Update(ctx, func(tx Tx) error {
		var f InstrumentFilter
		if len(ids) > 0 {
			f.IDs = dedupeIDs(ids)
			for _, id := range f.IDs {
				if _, err := tx.LoadInstrument(ctx, id); err != nil {
					return err
				}
			}
		}
		insts, err := tx.ListInstruments(ctx, f)
		if err != nil {
			return err
		}
		now := s.now()
		changed, dangling, err := recompute(ctx, tx, insts, now, true)
		if err != nil {
			return err
		}
		res = RepairResult{Scanned: len(insts), Changed: changed, Dangling: dangling}
		if len(changed) == 0 {
			return nil
		}
		return s.audit(ctx, tx, now, "fleet.recompute", "*", len(changed), "")
	})
	if err != nil {
		return RepairResult{}, err
	}
	if len(res.Changed) > 0 || len(res.Dangling) > 0 {
		s.log.Debug("due dates recomputed",
			logx.Int("scanned", res.Scanned),
			logx.Int("changed", len(res.Changed)),
			logx.Int("dangling", len(res.Dangling)),
		)
	}
	return res, nil
}
