package fleet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"calibra/internal/recurrence"
	logx "calibra/pkg/logx"
)

// Service implements the fleet operations on top of a Store.
//
// Methods are safe for concurrent use; isolation is provided by the store.
type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time
	newID func() string
	actor string
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator used for new records.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithActor sets the actor recorded in audit entries.
func WithActor(actor string) Option {
	return func(s *Service) { s.actor = strings.TrimSpace(actor) }
}

func NewService(store Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		log:   log.With(logx.String("comp", "fleet")),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	clock := s.now
	s.now = func() time.Time { return clock().UTC() }
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) audit(ctx context.Context, tx Tx, at time.Time, action, target string, count int, meta string) error {
	return tx.AppendAudit(ctx, AuditEntry{
		At:     at,
		Actor:  s.actor,
		Action: action,
		Target: target,
		Count:  count,
		Meta:   meta,
	})
}

func requireRule(r recurrence.Rule) error {
	if r.IsZero() {
		return &InvalidRuleError{Field: "recurrenceType", Reason: "required"}
	}
	return nil
}

func requireName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: "name", Reason: "required"}
	}
	return name, nil
}

func checkVersion(entity, id string, want, have int64) error {
	if want != 0 && want != have {
		return &ConcurrentModificationError{Entity: entity, ID: id, Expected: want, Actual: have}
	}
	return nil
}

func checkScope(m *Method, inst *Instrument) error {
	if m.InstrumentTypeID == "" || m.InstrumentTypeID == inst.TypeID {
		return nil
	}
	return &ScopeError{MethodID: m.ID, MethodTypeID: m.InstrumentTypeID, InstrumentID: inst.ID, TypeID: inst.TypeID}
}

// recompute refreshes NextDueAt for insts against their current sources
// and saves the ones that changed. With lenient set, a dangling source
// clears the due date instead of failing; the ids are returned as dangling.
func recompute(ctx context.Context, tx Tx, insts []*Instrument, at time.Time, lenient bool) (changed []string, dangling []string, err error) {
	batch := make([]*Instrument, 0, len(insts))
	for _, inst := range insts {
		rule, ok, err := ResolveEffectiveRule(ctx, tx, inst)
		if err != nil {
			if !lenient || !IsNotFound(err) {
				return nil, nil, err
			}
			dangling = append(dangling, inst.ID)
			rule, ok = recurrence.Rule{}, false
		}
		due := dueFor(inst, rule, ok)
		if sameDue(due, inst.NextDueAt) {
			continue
		}
		inst.NextDueAt = due
		inst.UpdatedAt = at
		batch = append(batch, inst)
		changed = append(changed, inst.ID)
	}
	if len(batch) == 0 {
		return nil, dangling, nil
	}
	if err := tx.SaveInstrumentBatch(ctx, batch); err != nil {
		return nil, nil, err
	}
	return changed, dangling, nil
}

// ---- Methods ----

// MethodInput carries the editable fields of a Method. A non-zero Version
// makes UpdateMethod fail if the stored record has moved on.
type MethodInput struct {
	Name             string
	Description      string
	InstrumentTypeID string
	Rule             recurrence.Rule
	Version          int64
}

func (s *Service) CreateMethod(ctx context.Context, in MethodInput) (*Method, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := requireRule(in.Rule); err != nil {
		return nil, err
	}
	now := s.now()
	m := &Method{
		ID:               s.newID(),
		Name:             name,
		Description:      strings.TrimSpace(in.Description),
		InstrumentTypeID: strings.TrimSpace(in.InstrumentTypeID),
		Rule:             in.Rule,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.store.Update(ctx, func(tx Tx) error {
		if err := tx.SaveMethod(ctx, m); err != nil {
			return err
		}
		return s.audit(ctx, tx, now, "method.create", m.ID, 0, m.Name)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("method created", logx.String("method", m.ID), logx.String("rule", m.Rule.String()))
	return m, nil
}

// UpdateMethod edits a method. A rule change recomputes the due dates of
// instruments sourced directly from the method; calendars derived from it
// keep their own copy and are not touched.
func (s *Service) UpdateMethod(ctx context.Context, id string, in MethodInput) (*Method, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := requireRule(in.Rule); err != nil {
		return nil, err
	}
	var out *Method
	var recomputed int
	err = s.store.Update(ctx, func(tx Tx) error {
		m, err := tx.LoadMethod(ctx, id)
		if err != nil {
			return err
		}
		if err := checkVersion("method", id, in.Version, m.Version); err != nil {
			return err
		}
		now := s.now()
		ruleChanged := !m.Rule.Equal(in.Rule)
		m.Name = name
		m.Description = strings.TrimSpace(in.Description)
		m.InstrumentTypeID = strings.TrimSpace(in.InstrumentTypeID)
		m.Rule = in.Rule
		m.UpdatedAt = now

		direct, err := tx.ListInstruments(ctx, InstrumentFilter{SourceKind: SourceMethod, SourceRef: id})
		if err != nil {
			return err
		}
		for _, inst := range direct {
			if err := checkScope(m, inst); err != nil {
				return err
			}
		}
		if err := tx.SaveMethod(ctx, m); err != nil {
			return err
		}
		if ruleChanged {
			changed, _, err := recompute(ctx, tx, direct, now, false)
			if err != nil {
				return err
			}
			recomputed = len(changed)
		}
		out = m
		return s.audit(ctx, tx, now, "method.update", id, recomputed, "")
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("method updated", logx.String("method", id), logx.Int("recomputed", recomputed))
	return out, nil
}

// DeleteMethod removes a method. While calendars derived from it or
// instruments sourced from it exist, deletion fails with *ReferencedError
// unless cascade is set. Cascading clears the calendars' provenance (they
// keep their rule) and reverts directly sourced instruments to no source.
func (s *Service) DeleteMethod(ctx context.Context, id string, cascade bool) error {
	var detached, reverted int
	err := s.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.LoadMethod(ctx, id); err != nil {
			return err
		}
		derived, err := tx.CalendarsDerivedFrom(ctx, id)
		if err != nil {
			return err
		}
		direct, err := tx.ListInstruments(ctx, InstrumentFilter{SourceKind: SourceMethod, SourceRef: id})
		if err != nil {
			return err
		}
		if !cascade && (len(derived) > 0 || len(direct) > 0) {
			by := make([]string, 0, len(derived)+len(direct))
			for _, c := range derived {
				by = append(by, "calendar:"+c.ID)
			}
			for _, inst := range direct {
				by = append(by, "instrument:"+inst.ID)
			}
			return &ReferencedError{Entity: "method", ID: id, By: by}
		}
		now := s.now()
		for _, c := range derived {
			c.MethodID = ""
			c.UpdatedAt = now
			if err := tx.SaveCalendar(ctx, c); err != nil {
				return err
			}
		}
		for _, inst := range direct {
			inst.Source = NoSource()
			inst.NextDueAt = nil
			inst.UpdatedAt = now
		}
		if len(direct) > 0 {
			if err := tx.SaveInstrumentBatch(ctx, direct); err != nil {
				return err
			}
		}
		if err := tx.DeleteMethod(ctx, id); err != nil {
			return err
		}
		detached, reverted = len(derived), len(direct)
		return s.audit(ctx, tx, now, "method.delete", id, reverted, "")
	})
	if err != nil {
		return err
	}
	s.log.Debug("method deleted", logx.String("method", id), logx.Int("calendars_detached", detached), logx.Int("instruments_reverted", reverted))
	return nil
}

func (s *Service) GetMethod(ctx context.Context, id string) (*Method, error) {
	var out *Method
	err := s.store.View(ctx, func(r Reader) error {
		m, err := r.LoadMethod(ctx, id)
		out = m
		return err
	})
	return out, err
}

func (s *Service) ListMethods(ctx context.Context) ([]*Method, error) {
	var out []*Method
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.ListMethods(ctx)
		return err
	})
	return out, err
}

// ---- Calendars ----

type CalendarInput struct {
	Name        string
	Description string
	Rule        recurrence.Rule
	Version     int64
}

func ensureNameFree(ctx context.Context, r Reader, name, selfID string) error {
	c, err := r.FindCalendarByName(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if c.ID == selfID {
		return nil
	}
	return &DuplicateNameError{Entity: "calendar", Name: name}
}

// CreateCalendar creates an active calendar with no members.
func (s *Service) CreateCalendar(ctx context.Context, in CalendarInput) (*Calendar, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := requireRule(in.Rule); err != nil {
		return nil, err
	}
	now := s.now()
	c := &Calendar{
		ID:          s.newID(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Active:      true,
		Rule:        in.Rule,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.Update(ctx, func(tx Tx) error {
		if err := ensureNameFree(ctx, tx, name, ""); err != nil {
			return err
		}
		if err := tx.SaveCalendar(ctx, c); err != nil {
			return err
		}
		return s.audit(ctx, tx, now, "calendar.create", c.ID, 0, c.Name)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("calendar created", logx.String("calendar", c.ID), logx.String("name", c.Name))
	return c, nil
}

// UpdateCalendar edits a calendar. A rule change recomputes its members.
func (s *Service) UpdateCalendar(ctx context.Context, id string, in CalendarInput) (*Calendar, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := requireRule(in.Rule); err != nil {
		return nil, err
	}
	var out *Calendar
	var recomputed int
	err = s.store.Update(ctx, func(tx Tx) error {
		c, err := tx.LoadCalendar(ctx, id)
		if err != nil {
			return err
		}
		if err := checkVersion("calendar", id, in.Version, c.Version); err != nil {
			return err
		}
		if err := ensureNameFree(ctx, tx, name, id); err != nil {
			return err
		}
		now := s.now()
		ruleChanged := !c.Rule.Equal(in.Rule)
		c.Name = name
		c.Description = strings.TrimSpace(in.Description)
		c.Rule = in.Rule
		c.UpdatedAt = now
		if err := tx.SaveCalendar(ctx, c); err != nil {
			return err
		}
		if ruleChanged {
			members, err := tx.ListInstruments(ctx, MembersOf(id))
			if err != nil {
				return err
			}
			changed, _, err := recompute(ctx, tx, members, now, false)
			if err != nil {
				return err
			}
			recomputed = len(changed)
		}
		out = c
		return s.audit(ctx, tx, now, "calendar.update", id, recomputed, "")
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("calendar updated", logx.String("calendar", id), logx.Int("recomputed", recomputed))
	return out, nil
}

// SetCalendarActive toggles a calendar. Members of an inactive calendar
// keep their membership but have no due date; reactivation recomputes them.
func (s *Service) SetCalendarActive(ctx context.Context, id string, active bool) (*Calendar, error) {
	var out *Calendar
	err := s.store.Update(ctx, func(tx Tx) error {
		c, err := tx.LoadCalendar(ctx, id)
		if err != nil {
			return err
		}
		out = c
		if c.Active == active {
			return nil
		}
		now := s.now()
		c.Active = active
		c.UpdatedAt = now
		if err := tx.SaveCalendar(ctx, c); err != nil {
			return err
		}
		members, err := tx.ListInstruments(ctx, MembersOf(id))
		if err != nil {
			return err
		}
		changed, _, err := recompute(ctx, tx, members, now, false)
		if err != nil {
			return err
		}
		action := "calendar.deactivate"
		if active {
			action = "calendar.activate"
		}
		return s.audit(ctx, tx, now, action, id, len(changed), "")
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("calendar active changed", logx.String("calendar", id), logx.Bool("active", active))
	return out, nil
}

// DeleteCalendar removes a calendar and reverts its members to no source.
func (s *Service) DeleteCalendar(ctx context.Context, id string) error {
	var reverted int
	err := s.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.LoadCalendar(ctx, id); err != nil {
			return err
		}
		members, err := tx.ListInstruments(ctx, MembersOf(id))
		if err != nil {
			return err
		}
		now := s.now()
		for _, inst := range members {
			inst.Source = NoSource()
			inst.NextDueAt = nil
			inst.UpdatedAt = now
		}
		if len(members) > 0 {
			if err := tx.SaveInstrumentBatch(ctx, members); err != nil {
				return err
			}
		}
		if err := tx.DeleteCalendar(ctx, id); err != nil {
			return err
		}
		reverted = len(members)
		return s.audit(ctx, tx, now, "calendar.delete", id, reverted, "")
	})
	if err != nil {
		return err
	}
	s.log.Debug("calendar deleted", logx.String("calendar", id), logx.Int("instruments_reverted", reverted))
	return nil
}

func (s *Service) GetCalendar(ctx context.Context, id string) (*Calendar, error) {
	var out *Calendar
	err := s.store.View(ctx, func(r Reader) error {
		c, err := r.LoadCalendar(ctx, id)
		out = c
		return err
	})
	return out, err
}

func (s *Service) ListCalendars(ctx context.Context) ([]*Calendar, error) {
	var out []*Calendar
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.ListCalendars(ctx)
		return err
	})
	return out, err
}

// CalendarMembers returns the calendar and the instruments it schedules.
func (s *Service) CalendarMembers(ctx context.Context, id string) (*Calendar, []*Instrument, error) {
	var cal *Calendar
	var members []*Instrument
	err := s.store.View(ctx, func(r Reader) error {
		c, err := r.LoadCalendar(ctx, id)
		if err != nil {
			return err
		}
		cal = c
		members, err = r.ListInstruments(ctx, MembersOf(id))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return cal, members, nil
}

// ---- Instruments ----

// InstrumentInput registers an instrument. An empty ID is generated.
type InstrumentInput struct {
	ID               string
	Name             string
	TypeID           string
	Source           Source
	LastCalibratedAt *time.Time
	CreatedAt        time.Time
}

// validateSource checks that src points at existing records and respects
// method scope.
func validateSource(ctx context.Context, r Reader, inst *Instrument, src Source) error {
	switch src.Kind() {
	case SourceInline:
		rule, _ := src.Rule()
		return requireRule(rule)
	case SourceMethod:
		m, err := r.LoadMethod(ctx, src.Ref())
		if err != nil {
			return err
		}
		return checkScope(m, inst)
	case SourceCalendar:
		_, err := r.LoadCalendar(ctx, src.Ref())
		return err
	default:
		return nil
	}
}

func (s *Service) checkCalibrationDate(at time.Time) error {
	if recurrence.Day(at).After(recurrence.Day(s.now())) {
		return &ValidationError{Field: "calibrated_at", Reason: "must not be in the future"}
	}
	return nil
}

// RegisterInstrument creates an instrument and computes its first due date.
func (s *Service) RegisterInstrument(ctx context.Context, in InstrumentInput) (*Instrument, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	now := s.now()
	inst := &Instrument{
		ID:        strings.TrimSpace(in.ID),
		Name:      name,
		TypeID:    strings.TrimSpace(in.TypeID),
		Source:    in.Source,
		CreatedAt: in.CreatedAt.UTC(),
		UpdatedAt: now,
	}
	if inst.ID == "" {
		inst.ID = s.newID()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if in.LastCalibratedAt != nil {
		if err := s.checkCalibrationDate(*in.LastCalibratedAt); err != nil {
			return nil, err
		}
		at := in.LastCalibratedAt.UTC()
		inst.LastCalibratedAt = &at
	}
	err = s.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.LoadInstrument(ctx, inst.ID); err == nil {
			return &DuplicateNameError{Entity: "instrument", Name: inst.ID}
		} else if !IsNotFound(err) {
			return err
		}
		if err := validateSource(ctx, tx, inst, inst.Source); err != nil {
			return err
		}
		rule, ok, err := ResolveEffectiveRule(ctx, tx, inst)
		if err != nil {
			return err
		}
		inst.NextDueAt = dueFor(inst, rule, ok)
		if err := tx.SaveInstrumentBatch(ctx, []*Instrument{inst}); err != nil {
			return err
		}
		return s.audit(ctx, tx, now, "instrument.register", inst.ID, 1, inst.Source.String())
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("instrument registered",
		logx.String("instrument", inst.ID),
		logx.String("source", inst.Source.String()),
		logx.Date("next_due", inst.NextDueAt),
	)
	return inst, nil
}

// mutateInstrument loads an instrument, applies fn and recomputes its due
// date, all in one transaction.
func (s *Service) mutateInstrument(ctx context.Context, id, action string, fn func(tx Tx, inst *Instrument) error) (*Instrument, error) {
	var out *Instrument
	err := s.store.Update(ctx, func(tx Tx) error {
		inst, err := tx.LoadInstrument(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, inst); err != nil {
			return err
		}
		now := s.now()
		rule, ok, err := ResolveEffectiveRule(ctx, tx, inst)
		if err != nil {
			return err
		}
		inst.NextDueAt = dueFor(inst, rule, ok)
		inst.UpdatedAt = now
		if err := tx.SaveInstrumentBatch(ctx, []*Instrument{inst}); err != nil {
			return err
		}
		out = inst
		return s.audit(ctx, tx, now, action, id, 1, inst.Source.String())
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("instrument updated", logx.String("instrument", id), logx.String("action", action))
	return out, nil
}

func (s *Service) AssignInline(ctx context.Context, id string, rule recurrence.Rule) (*Instrument, error) {
	if err := requireRule(rule); err != nil {
		return nil, err
	}
	return s.mutateInstrument(ctx, id, "instrument.assign_inline", func(tx Tx, inst *Instrument) error {
		inst.Source = InlineSource(rule)
		return nil
	})
}

// AssignMethod points an instrument directly at a method. Type-scoped
// methods only accept instruments of their type.
func (s *Service) AssignMethod(ctx context.Context, id, methodID string) (*Instrument, error) {
	return s.mutateInstrument(ctx, id, "instrument.assign_method", func(tx Tx, inst *Instrument) error {
		src := MethodSource(methodID)
		if err := validateSource(ctx, tx, inst, src); err != nil {
			return err
		}
		inst.Source = src
		return nil
	})
}

func (s *Service) AssignCalendar(ctx context.Context, id, calendarID string) (*Instrument, error) {
	return s.mutateInstrument(ctx, id, "instrument.assign_calendar", func(tx Tx, inst *Instrument) error {
		src := CalendarSource(calendarID)
		if err := validateSource(ctx, tx, inst, src); err != nil {
			return err
		}
		inst.Source = src
		return nil
	})
}

// ClearSource leaves the instrument unscheduled.
func (s *Service) ClearSource(ctx context.Context, id string) (*Instrument, error) {
	return s.mutateInstrument(ctx, id, "instrument.clear_source", func(tx Tx, inst *Instrument) error {
		inst.Source = NoSource()
		return nil
	})
}

// SetSource dispatches to the assign operation matching src.
func (s *Service) SetSource(ctx context.Context, id string, src Source) (*Instrument, error) {
	switch src.Kind() {
	case SourceInline:
		rule, _ := src.Rule()
		return s.AssignInline(ctx, id, rule)
	case SourceMethod:
		return s.AssignMethod(ctx, id, src.Ref())
	case SourceCalendar:
		return s.AssignCalendar(ctx, id, src.Ref())
	default:
		return s.ClearSource(ctx, id)
	}
}

// RecordCalibration stores a completed calibration and moves the due date
// forward from it. A zero at means now.
func (s *Service) RecordCalibration(ctx context.Context, id string, at time.Time) (*Instrument, error) {
	if at.IsZero() {
		at = s.now()
	}
	if err := s.checkCalibrationDate(at); err != nil {
		return nil, err
	}
	at = at.UTC()
	return s.mutateInstrument(ctx, id, "instrument.calibrated", func(tx Tx, inst *Instrument) error {
		if inst.LastCalibratedAt != nil && at.Before(*inst.LastCalibratedAt) {
			return &ValidationError{Field: "calibrated_at", Reason: "earlier than the last recorded calibration"}
		}
		inst.LastCalibratedAt = &at
		return nil
	})
}

func (s *Service) GetInstrument(ctx context.Context, id string) (*Instrument, error) {
	var out *Instrument
	err := s.store.View(ctx, func(r Reader) error {
		inst, err := r.LoadInstrument(ctx, id)
		out = inst
		return err
	})
	return out, err
}

func (s *Service) ListInstruments(ctx context.Context, f InstrumentFilter) ([]*Instrument, error) {
	var out []*Instrument
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.ListInstruments(ctx, f)
		return err
	})
	return out, err
}

// dedupeIDs trims, drops blanks and removes repeats, keeping first-seen order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
