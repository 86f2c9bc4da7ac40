package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	logx "calibra/pkg/logx"
)

//go:embed migrations/schema.sql
var migrationsFS embed.FS

// Fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqlStore implements Store on a database/sql driver through sqlx. The same
// queries serve SQLite and PostgreSQL; placeholders are rebound per driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps PRAGMAs sticky.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConn > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sql store opened")
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/schema.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) View(ctx context.Context, fn func(fleet.Reader) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqlTx{tx: tx})
}

func (s *sqlStore) Update(ctx context.Context, fn func(fleet.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", logx.Err(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) RecentAudit(ctx context.Context, limit int) ([]fleet.AuditEntry, error) {
	var rows []auditRow
	q := s.db.Rebind(`SELECT at, actor, action, target, affected, meta FROM audit ORDER BY at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, auditLimit(limit)); err != nil {
		return nil, err
	}
	out := make([]fleet.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, fleet.AuditEntry{
			At:     parseTime(r.At),
			Actor:  r.Actor,
			Action: r.Action,
			Target: r.Target,
			Count:  r.Affected,
			Meta:   r.Meta,
		})
	}
	return out, nil
}

// ---- rows ----

type methodRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Description      string `db:"description"`
	InstrumentTypeID string `db:"instrument_type_id"`
	Rule             string `db:"rule"`
	Version          int64  `db:"version"`
	CreatedAt        string `db:"created_at"`
	UpdatedAt        string `db:"updated_at"`
	Expected         int64  `db:"expected"`
}

type calendarRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Active      int    `db:"active"`
	Rule        string `db:"rule"`
	MethodID    string `db:"method_id"`
	Version     int64  `db:"version"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
	Expected    int64  `db:"expected"`
}

type instrumentRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	TypeID           string         `db:"type_id"`
	SourceKind       string         `db:"source_kind"`
	SourceRef        string         `db:"source_ref"`
	SourceRule       string         `db:"source_rule"`
	LastCalibratedAt sql.NullString `db:"last_calibrated_at"`
	NextDueAt        sql.NullString `db:"next_due_at"`
	Version          int64          `db:"version"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
	Expected         int64          `db:"expected"`
}

type auditRow struct {
	At       string `db:"at"`
	Actor    string `db:"actor"`
	Action   string `db:"action"`
	Target   string `db:"target"`
	Affected int    `db:"affected"`
	Meta     string `db:"meta"`
}

const (
	methodCols     = `id, name, description, instrument_type_id, rule, version, created_at, updated_at`
	calendarCols   = `id, name, description, active, rule, method_id, version, created_at, updated_at`
	instrumentCols = `id, name, type_id, source_kind, source_ref, source_rule, last_calibrated_at, next_due_at, version, created_at, updated_at`
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func fromNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func encodeRule(r recurrence.Rule) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRule(s string) (recurrence.Rule, error) {
	var r recurrence.Rule
	if strings.TrimSpace(s) == "" {
		return r, nil
	}
	err := json.Unmarshal([]byte(s), &r)
	return r, err
}

func (r methodRow) model() (*fleet.Method, error) {
	rule, err := decodeRule(r.Rule)
	if err != nil {
		return nil, fmt.Errorf("method %s: rule: %w", r.ID, err)
	}
	return &fleet.Method{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		InstrumentTypeID: r.InstrumentTypeID,
		Rule:             rule,
		Version:          r.Version,
		CreatedAt:        parseTime(r.CreatedAt),
		UpdatedAt:        parseTime(r.UpdatedAt),
	}, nil
}

func (r calendarRow) model() (*fleet.Calendar, error) {
	rule, err := decodeRule(r.Rule)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: rule: %w", r.ID, err)
	}
	return &fleet.Calendar{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Active:      r.Active != 0,
		Rule:        rule,
		MethodID:    r.MethodID,
		Version:     r.Version,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}, nil
}

func (r instrumentRow) model() (*fleet.Instrument, error) {
	kind, err := fleet.ParseSourceKind(r.SourceKind)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", r.ID, err)
	}
	var rulePtr *recurrence.Rule
	if kind == fleet.SourceInline {
		rule, err := decodeRule(r.SourceRule)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: source rule: %w", r.ID, err)
		}
		rulePtr = &rule
	}
	src, err := fleet.NewSource(kind, r.SourceRef, rulePtr)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", r.ID, err)
	}
	return &fleet.Instrument{
		ID:               r.ID,
		Name:             r.Name,
		TypeID:           r.TypeID,
		Source:           src,
		LastCalibratedAt: fromNullTime(r.LastCalibratedAt),
		NextDueAt:        fromNullTime(r.NextDueAt),
		Version:          r.Version,
		CreatedAt:        parseTime(r.CreatedAt),
		UpdatedAt:        parseTime(r.UpdatedAt),
	}, nil
}

func methodToRow(m *fleet.Method) (methodRow, error) {
	rule, err := encodeRule(m.Rule)
	if err != nil {
		return methodRow{}, err
	}
	return methodRow{
		ID:               m.ID,
		Name:             m.Name,
		Description:      m.Description,
		InstrumentTypeID: m.InstrumentTypeID,
		Rule:             rule,
		Version:          m.Version + 1,
		CreatedAt:        formatTime(m.CreatedAt),
		UpdatedAt:        formatTime(m.UpdatedAt),
		Expected:         m.Version,
	}, nil
}

func calendarToRow(c *fleet.Calendar) (calendarRow, error) {
	rule, err := encodeRule(c.Rule)
	if err != nil {
		return calendarRow{}, err
	}
	active := 0
	if c.Active {
		active = 1
	}
	return calendarRow{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Active:      active,
		Rule:        rule,
		MethodID:    c.MethodID,
		Version:     c.Version + 1,
		CreatedAt:   formatTime(c.CreatedAt),
		UpdatedAt:   formatTime(c.UpdatedAt),
		Expected:    c.Version,
	}, nil
}

func instrumentToRow(inst *fleet.Instrument) (instrumentRow, error) {
	row := instrumentRow{
		ID:               inst.ID,
		Name:             inst.Name,
		TypeID:           inst.TypeID,
		SourceKind:       string(inst.Source.Kind()),
		SourceRef:        inst.Source.Ref(),
		LastCalibratedAt: nullTime(inst.LastCalibratedAt),
		NextDueAt:        nullTime(inst.NextDueAt),
		Version:          inst.Version + 1,
		CreatedAt:        formatTime(inst.CreatedAt),
		UpdatedAt:        formatTime(inst.UpdatedAt),
		Expected:         inst.Version,
	}
	if rule, ok := inst.Source.Rule(); ok {
		s, err := encodeRule(rule)
		if err != nil {
			return instrumentRow{}, err
		}
		row.SourceRule = s
	}
	return row, nil
}

// ---- transaction ----

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) get(ctx context.Context, dest any, entity, id, query string, args ...any) error {
	err := t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return &fleet.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func (t *sqlTx) LoadMethod(ctx context.Context, id string) (*fleet.Method, error) {
	var row methodRow
	if err := t.get(ctx, &row, "method", id, `SELECT `+methodCols+` FROM methods WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (t *sqlTx) LoadCalendar(ctx context.Context, id string) (*fleet.Calendar, error) {
	var row calendarRow
	if err := t.get(ctx, &row, "calendar", id, `SELECT `+calendarCols+` FROM calendars WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (t *sqlTx) LoadInstrument(ctx context.Context, id string) (*fleet.Instrument, error) {
	var row instrumentRow
	if err := t.get(ctx, &row, "instrument", id, `SELECT `+instrumentCols+` FROM instruments WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (t *sqlTx) FindCalendarByName(ctx context.Context, name string) (*fleet.Calendar, error) {
	var row calendarRow
	if err := t.get(ctx, &row, "calendar", name, `SELECT `+calendarCols+` FROM calendars WHERE name = ?`, name); err != nil {
		return nil, err
	}
	return row.model()
}

func (t *sqlTx) ListMethods(ctx context.Context) ([]*fleet.Method, error) {
	var rows []methodRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT `+methodCols+` FROM methods ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]*fleet.Method, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *sqlTx) selectCalendars(ctx context.Context, query string, args ...any) ([]*fleet.Calendar, error) {
	var rows []calendarRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*fleet.Calendar, 0, len(rows))
	for _, r := range rows {
		c, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (t *sqlTx) ListCalendars(ctx context.Context) ([]*fleet.Calendar, error) {
	return t.selectCalendars(ctx, `SELECT `+calendarCols+` FROM calendars ORDER BY id`)
}

func (t *sqlTx) CalendarsDerivedFrom(ctx context.Context, methodID string) ([]*fleet.Calendar, error) {
	if methodID == "" {
		return nil, nil
	}
	return t.selectCalendars(ctx, `SELECT `+calendarCols+` FROM calendars WHERE method_id = ? ORDER BY id`, methodID)
}

func (t *sqlTx) ListInstruments(ctx context.Context, f fleet.InstrumentFilter) ([]*fleet.Instrument, error) {
	var where []string
	var args []any
	if len(f.IDs) > 0 {
		where = append(where, `id IN (?)`)
		args = append(args, f.IDs)
	}
	if f.TypeID != "" {
		where = append(where, `type_id = ?`)
		args = append(args, f.TypeID)
	}
	if f.SourceKind != "" {
		where = append(where, `source_kind = ?`)
		args = append(args, string(f.SourceKind))
	}
	if f.SourceRef != "" {
		where = append(where, `source_ref = ?`)
		args = append(args, f.SourceRef)
	}
	if f.Scheduled {
		where = append(where, `next_due_at IS NOT NULL`)
	}
	q := `SELECT ` + instrumentCols + ` FROM instruments`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY id`
	if len(f.IDs) > 0 {
		var err error
		q, args, err = sqlx.In(q, args...)
		if err != nil {
			return nil, err
		}
	}

	var rows []instrumentRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*fleet.Instrument, 0, len(rows))
	for _, r := range rows {
		inst, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (t *sqlTx) versionOf(ctx context.Context, table, id string) (int64, error) {
	var v int64
	err := t.tx.GetContext(ctx, &v, t.tx.Rebind(`SELECT version FROM `+table+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return v, err
}

// write inserts when inHand is 0 and otherwise runs the versioned update,
// turning a missed WHERE version match into ConcurrentModificationError.
func (t *sqlTx) write(ctx context.Context, entity, table, id string, inHand int64, insert, update string, row any) error {
	if inHand == 0 {
		have, err := t.versionOf(ctx, table, id)
		if err != nil {
			return err
		}
		if have >= 0 {
			return &fleet.ConcurrentModificationError{Entity: entity, ID: id, Expected: 0, Actual: have}
		}
		_, err = t.tx.NamedExecContext(ctx, insert, row)
		return err
	}
	res, err := t.tx.NamedExecContext(ctx, update, row)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		have, err := t.versionOf(ctx, table, id)
		if err != nil {
			return err
		}
		return &fleet.ConcurrentModificationError{Entity: entity, ID: id, Expected: inHand, Actual: have}
	}
	return nil
}

const (
	insertMethod = `INSERT INTO methods (` + methodCols + `)
		VALUES (:id, :name, :description, :instrument_type_id, :rule, :version, :created_at, :updated_at)`
	updateMethod = `UPDATE methods SET name = :name, description = :description,
		instrument_type_id = :instrument_type_id, rule = :rule, version = :version, updated_at = :updated_at
		WHERE id = :id AND version = :expected`

	insertCalendar = `INSERT INTO calendars (` + calendarCols + `)
		VALUES (:id, :name, :description, :active, :rule, :method_id, :version, :created_at, :updated_at)`
	updateCalendar = `UPDATE calendars SET name = :name, description = :description, active = :active,
		rule = :rule, method_id = :method_id, version = :version, updated_at = :updated_at
		WHERE id = :id AND version = :expected`

	insertInstrument = `INSERT INTO instruments (` + instrumentCols + `)
		VALUES (:id, :name, :type_id, :source_kind, :source_ref, :source_rule, :last_calibrated_at,
		:next_due_at, :version, :created_at, :updated_at)`
	updateInstrument = `UPDATE instruments SET name = :name, type_id = :type_id, source_kind = :source_kind,
		source_ref = :source_ref, source_rule = :source_rule, last_calibrated_at = :last_calibrated_at,
		next_due_at = :next_due_at, version = :version, updated_at = :updated_at
		WHERE id = :id AND version = :expected`
)

func (t *sqlTx) SaveMethod(ctx context.Context, m *fleet.Method) error {
	row, err := methodToRow(m)
	if err != nil {
		return err
	}
	if err := t.write(ctx, "method", "methods", m.ID, m.Version, insertMethod, updateMethod, row); err != nil {
		return err
	}
	m.Version = row.Version
	return nil
}

func (t *sqlTx) SaveCalendar(ctx context.Context, c *fleet.Calendar) error {
	row, err := calendarToRow(c)
	if err != nil {
		return err
	}
	if err := t.write(ctx, "calendar", "calendars", c.ID, c.Version, insertCalendar, updateCalendar, row); err != nil {
		return err
	}
	c.Version = row.Version
	return nil
}

func (t *sqlTx) SaveInstrumentBatch(ctx context.Context, batch []*fleet.Instrument) error {
	for _, inst := range batch {
		row, err := instrumentToRow(inst)
		if err != nil {
			return err
		}
		if err := t.write(ctx, "instrument", "instruments", inst.ID, inst.Version, insertInstrument, updateInstrument, row); err != nil {
			return fmt.Errorf("save instrument %s: %w", inst.ID, err)
		}
		inst.Version = row.Version
	}
	return nil
}

func (t *sqlTx) delete(ctx context.Context, entity, table, id string) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`DELETE FROM `+table+` WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &fleet.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func (t *sqlTx) DeleteMethod(ctx context.Context, id string) error {
	return t.delete(ctx, "method", "methods", id)
}

func (t *sqlTx) DeleteCalendar(ctx context.Context, id string) error {
	return t.delete(ctx, "calendar", "calendars", id)
}

func (t *sqlTx) AppendAudit(ctx context.Context, e fleet.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO audit (at, actor, action, target, affected, meta)
		 VALUES (:at, :actor, :action, :target, :affected, :meta)`,
		auditRow{
			At:       formatTime(e.At),
			Actor:    e.Actor,
			Action:   e.Action,
			Target:   e.Target,
			Affected: e.Count,
			Meta:     e.Meta,
		})
	return err
}
