package fleet

import "context"

// Reader is the read side of a store snapshot.
//
// Load* and FindCalendarByName return *NotFoundError when the record does
// not exist. Returned records are copies owned by the caller.
type Reader interface {
	LoadMethod(ctx context.Context, id string) (*Method, error)
	LoadCalendar(ctx context.Context, id string) (*Calendar, error)
	LoadInstrument(ctx context.Context, id string) (*Instrument, error)
	FindCalendarByName(ctx context.Context, name string) (*Calendar, error)

	ListMethods(ctx context.Context) ([]*Method, error)
	ListCalendars(ctx context.Context) ([]*Calendar, error)
	ListInstruments(ctx context.Context, f InstrumentFilter) ([]*Instrument, error)
	CalendarsDerivedFrom(ctx context.Context, methodID string) ([]*Calendar, error)
}

// Tx is a read-write transaction.
//
// Save* apply optimistic versioning: a record with Version 0 is inserted,
// any other record is written only if the stored version still equals the
// in-hand one. On success the in-hand Version is bumped. A mismatch yields
// *ConcurrentModificationError.
type Tx interface {
	Reader

	SaveMethod(ctx context.Context, m *Method) error
	DeleteMethod(ctx context.Context, id string) error
	SaveCalendar(ctx context.Context, c *Calendar) error
	DeleteCalendar(ctx context.Context, id string) error
	SaveInstrumentBatch(ctx context.Context, batch []*Instrument) error

	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store runs functions against consistent snapshots. Update commits iff fn
// returns nil; otherwise none of fn's writes are visible.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
