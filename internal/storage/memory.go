package storage

import (
	"context"
	"sort"
	"sync"

	"calibra/internal/fleet"
)

// maxMemoryAudit bounds the in-memory audit trail.
const maxMemoryAudit = 1000

// dataset is the whole fleet state. Update works on a deep copy and swaps
// it in on commit.
type dataset struct {
	Methods     map[string]*fleet.Method     `json:"methods"`
	Calendars   map[string]*fleet.Calendar   `json:"calendars"`
	Instruments map[string]*fleet.Instrument `json:"instruments"`
}

func newDataset() *dataset {
	return &dataset{
		Methods:     map[string]*fleet.Method{},
		Calendars:   map[string]*fleet.Calendar{},
		Instruments: map[string]*fleet.Instrument{},
	}
}

func (d *dataset) clone() *dataset {
	cp := &dataset{
		Methods:     make(map[string]*fleet.Method, len(d.Methods)),
		Calendars:   make(map[string]*fleet.Calendar, len(d.Calendars)),
		Instruments: make(map[string]*fleet.Instrument, len(d.Instruments)),
	}
	for k, v := range d.Methods {
		cp.Methods[k] = v.Clone()
	}
	for k, v := range d.Calendars {
		cp.Calendars[k] = v.Clone()
	}
	for k, v := range d.Instruments {
		cp.Instruments[k] = v.Clone()
	}
	return cp
}

// memoryStore keeps everything in maps. Writers are serialized; readers see
// the last committed dataset.
type memoryStore struct {
	mu     sync.RWMutex
	data   *dataset
	audit  []fleet.AuditEntry
	closed bool

	// commit runs with the staged dataset before it becomes visible.
	// A non-nil error aborts the update.
	commit func(d *dataset, audit []fleet.AuditEntry) error

	// failInstrument is a test hook: SaveInstrumentBatch fails when it
	// returns non-nil for an instrument id.
	failInstrument func(id string) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: newDataset()}
}

func (s *memoryStore) View(ctx context.Context, fn func(fleet.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(memReader{d: s.data})
}

func (s *memoryStore) Update(ctx context.Context, fn func(fleet.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := &memTx{memReader: memReader{d: s.data.clone()}, failInstrument: s.failInstrument}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.commit != nil {
		if err := s.commit(tx.d, tx.audit); err != nil {
			return err
		}
	}
	s.data = tx.d
	s.audit = append(s.audit, tx.audit...)
	if over := len(s.audit) - maxMemoryAudit; over > 0 {
		s.audit = append([]fleet.AuditEntry(nil), s.audit[over:]...)
	}
	return nil
}

func (s *memoryStore) RecentAudit(ctx context.Context, limit int) ([]fleet.AuditEntry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = auditLimit(limit)
	out := make([]fleet.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ---- reader ----

type memReader struct{ d *dataset }

func (r memReader) LoadMethod(ctx context.Context, id string) (*fleet.Method, error) {
	m, ok := r.d.Methods[id]
	if !ok {
		return nil, &fleet.NotFoundError{Entity: "method", ID: id}
	}
	return m.Clone(), nil
}

func (r memReader) LoadCalendar(ctx context.Context, id string) (*fleet.Calendar, error) {
	c, ok := r.d.Calendars[id]
	if !ok {
		return nil, &fleet.NotFoundError{Entity: "calendar", ID: id}
	}
	return c.Clone(), nil
}

func (r memReader) LoadInstrument(ctx context.Context, id string) (*fleet.Instrument, error) {
	inst, ok := r.d.Instruments[id]
	if !ok {
		return nil, &fleet.NotFoundError{Entity: "instrument", ID: id}
	}
	return inst.Clone(), nil
}

func (r memReader) FindCalendarByName(ctx context.Context, name string) (*fleet.Calendar, error) {
	for _, c := range r.d.Calendars {
		if c.Name == name {
			return c.Clone(), nil
		}
	}
	return nil, &fleet.NotFoundError{Entity: "calendar", ID: name}
}

func (r memReader) ListMethods(ctx context.Context) ([]*fleet.Method, error) {
	out := make([]*fleet.Method, 0, len(r.d.Methods))
	for _, m := range r.d.Methods {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memReader) ListCalendars(ctx context.Context) ([]*fleet.Calendar, error) {
	out := make([]*fleet.Calendar, 0, len(r.d.Calendars))
	for _, c := range r.d.Calendars {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memReader) ListInstruments(ctx context.Context, f fleet.InstrumentFilter) ([]*fleet.Instrument, error) {
	out := make([]*fleet.Instrument, 0)
	for _, inst := range r.d.Instruments {
		if f.Match(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memReader) CalendarsDerivedFrom(ctx context.Context, methodID string) ([]*fleet.Calendar, error) {
	out := make([]*fleet.Calendar, 0)
	for _, c := range r.d.Calendars {
		if c.MethodID != "" && c.MethodID == methodID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- transaction ----

type memTx struct {
	memReader
	audit          []fleet.AuditEntry
	failInstrument func(id string) error
}

// checkVersion implements the optimistic rule shared by every Save.
// have is -1 when no record is stored under the id.
func checkVersion(entity, id string, inHand, have int64) error {
	if inHand == 0 && have < 0 {
		return nil
	}
	if inHand != 0 && inHand == have {
		return nil
	}
	return &fleet.ConcurrentModificationError{Entity: entity, ID: id, Expected: inHand, Actual: have}
}

func (t *memTx) SaveMethod(ctx context.Context, m *fleet.Method) error {
	have := int64(-1)
	if cur, ok := t.d.Methods[m.ID]; ok {
		have = cur.Version
	}
	if err := checkVersion("method", m.ID, m.Version, have); err != nil {
		return err
	}
	m.Version++
	t.d.Methods[m.ID] = m.Clone()
	return nil
}

func (t *memTx) DeleteMethod(ctx context.Context, id string) error {
	if _, ok := t.d.Methods[id]; !ok {
		return &fleet.NotFoundError{Entity: "method", ID: id}
	}
	delete(t.d.Methods, id)
	return nil
}

func (t *memTx) SaveCalendar(ctx context.Context, c *fleet.Calendar) error {
	have := int64(-1)
	if cur, ok := t.d.Calendars[c.ID]; ok {
		have = cur.Version
	}
	if err := checkVersion("calendar", c.ID, c.Version, have); err != nil {
		return err
	}
	for id, other := range t.d.Calendars {
		if id != c.ID && other.Name == c.Name {
			return &fleet.DuplicateNameError{Entity: "calendar", Name: c.Name}
		}
	}
	c.Version++
	t.d.Calendars[c.ID] = c.Clone()
	return nil
}

func (t *memTx) DeleteCalendar(ctx context.Context, id string) error {
	if _, ok := t.d.Calendars[id]; !ok {
		return &fleet.NotFoundError{Entity: "calendar", ID: id}
	}
	delete(t.d.Calendars, id)
	return nil
}

func (t *memTx) SaveInstrumentBatch(ctx context.Context, batch []*fleet.Instrument) error {
	for _, inst := range batch {
		if t.failInstrument != nil {
			if err := t.failInstrument(inst.ID); err != nil {
				return err
			}
		}
		have := int64(-1)
		if cur, ok := t.d.Instruments[inst.ID]; ok {
			have = cur.Version
		}
		if err := checkVersion("instrument", inst.ID, inst.Version, have); err != nil {
			return err
		}
		inst.Version++
		t.d.Instruments[inst.ID] = inst.Clone()
	}
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e fleet.AuditEntry) error {
	t.audit = append(t.audit, e)
	return nil
}
