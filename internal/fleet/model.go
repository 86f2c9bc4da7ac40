package fleet

import (
	"time"

	"calibra/internal/recurrence"
)

// Method is a reusable calibration procedure with a recurrence rule.
// An empty InstrumentTypeID means the method applies to any type.
type Method struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	InstrumentTypeID string          `json:"instrument_type_id,omitempty"`
	Rule             recurrence.Rule `json:"rule"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Calendar is a named shared schedule. Its rule is an independent copy;
// MethodID only records which method it was derived from.
//
// Members are not stored on the calendar: an instrument is a member iff its
// Source is CalendarSource(calendar.ID).
type Calendar struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Active      bool            `json:"active"`
	Rule        recurrence.Rule `json:"rule"`
	MethodID    string          `json:"method_id,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Instrument is a physical device that needs periodic recalibration.
type Instrument struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	TypeID           string     `json:"type_id,omitempty"`
	Source           Source     `json:"source"`
	LastCalibratedAt *time.Time `json:"last_calibrated_at,omitempty"`
	NextDueAt        *time.Time `json:"next_due_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Anchor is the date the next due date is computed from: the last
// calibration, or the registration date for never-calibrated instruments.
func (i *Instrument) Anchor() time.Time {
	if i.LastCalibratedAt != nil && !i.LastCalibratedAt.IsZero() {
		return *i.LastCalibratedAt
	}
	return i.CreatedAt
}

// InstrumentFilter narrows ListInstruments. Zero fields match everything.
type InstrumentFilter struct {
	IDs        []string
	TypeID     string
	SourceKind SourceKind
	SourceRef  string
	// Scheduled keeps only instruments with a stored due date.
	Scheduled bool
}

// Match reports whether inst passes the filter.
func (f InstrumentFilter) Match(inst *Instrument) bool {
	if inst == nil {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == inst.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TypeID != "" && inst.TypeID != f.TypeID {
		return false
	}
	if f.SourceKind != "" && inst.Source.Kind() != f.SourceKind {
		return false
	}
	if f.SourceRef != "" && inst.Source.Ref() != f.SourceRef {
		return false
	}
	if f.Scheduled && inst.NextDueAt == nil {
		return false
	}
	return true
}

// MembersOf is the filter selecting a calendar's members.
func MembersOf(calendarID string) InstrumentFilter {
	return InstrumentFilter{SourceKind: SourceCalendar, SourceRef: calendarID}
}

// AuditEntry records a mutating operation. It is written in the same
// transaction as the change it describes.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Count  int       `json:"count"`
	Meta   string    `json:"meta,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Clone returns a deep copy.
func (i *Instrument) Clone() *Instrument {
	if i == nil {
		return nil
	}
	cp := *i
	cp.LastCalibratedAt = cloneTime(i.LastCalibratedAt)
	cp.NextDueAt = cloneTime(i.NextDueAt)
	return &cp
}

// Clone returns a copy. Method holds no reference fields.
func (m *Method) Clone() *Method {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// Clone returns a copy. Calendar holds no reference fields.
func (c *Calendar) Clone() *Calendar {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
