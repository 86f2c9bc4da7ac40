package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	logx "calibra/pkg/logx"
)

var t0 = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "fleet.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "fleet.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func monthly(day int) recurrence.Rule {
	return recurrence.MustRule(recurrence.NewMonthly(day, recurrence.Tolerance{Value: 3, Unit: recurrence.Days}))
}

func TestStoreVersioning(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := &fleet.Method{ID: "m1", Name: "Torque", Rule: monthly(31), CreatedAt: t0, UpdatedAt: t0}
			if err := st.Update(ctx, func(tx fleet.Tx) error { return tx.SaveMethod(ctx, m) }); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if m.Version != 1 {
				t.Fatalf("Version after insert = %d, want 1", m.Version)
			}

			// A second insert of the same id is a conflict, not an overwrite.
			dup := &fleet.Method{ID: "m1", Name: "Other", Rule: monthly(1), CreatedAt: t0, UpdatedAt: t0}
			err := st.Update(ctx, func(tx fleet.Tx) error { return tx.SaveMethod(ctx, dup) })
			if !fleet.IsConcurrentModification(err) {
				t.Fatalf("expected concurrent modification on duplicate insert, got %v", err)
			}

			var loaded *fleet.Method
			_ = st.View(ctx, func(r fleet.Reader) error {
				var err error
				loaded, err = r.LoadMethod(ctx, "m1")
				return err
			})
			if loaded == nil || loaded.Name != "Torque" || !loaded.Rule.Equal(monthly(31)) {
				t.Fatalf("loaded = %+v", loaded)
			}

			stale := loaded.Clone()
			loaded.Name = "Torque v2"
			if err := st.Update(ctx, func(tx fleet.Tx) error { return tx.SaveMethod(ctx, loaded) }); err != nil {
				t.Fatalf("update: %v", err)
			}
			if loaded.Version != 2 {
				t.Fatalf("Version after update = %d, want 2", loaded.Version)
			}

			stale.Name = "lost update"
			err = st.Update(ctx, func(tx fleet.Tx) error { return tx.SaveMethod(ctx, stale) })
			var cme *fleet.ConcurrentModificationError
			if !errors.As(err, &cme) {
				t.Fatalf("expected ConcurrentModificationError, got %v", err)
			}
			if cme.Expected != 1 || cme.Actual != 2 {
				t.Fatalf("conflict versions = %d/%d, want 1/2", cme.Expected, cme.Actual)
			}
		})
	}
}

func TestStoreRollback(t *testing.T) {
	boom := errors.New("boom")
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := st.Update(ctx, func(tx fleet.Tx) error {
				inst := &fleet.Instrument{ID: "i1", Name: "Caliper", CreatedAt: t0, UpdatedAt: t0}
				if err := tx.SaveInstrumentBatch(ctx, []*fleet.Instrument{inst}); err != nil {
					return err
				}
				if _, err := tx.LoadInstrument(ctx, "i1"); err != nil {
					t.Fatalf("write not visible inside its own transaction: %v", err)
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update error = %v, want boom", err)
			}
			err = st.View(ctx, func(r fleet.Reader) error {
				_, err := r.LoadInstrument(ctx, "i1")
				return err
			})
			if !fleet.IsNotFound(err) {
				t.Fatalf("rolled back instrument is visible: %v", err)
			}
		})
	}
}

func TestStoreQueries(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
			last := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
			err := st.Update(ctx, func(tx fleet.Tx) error {
				if err := tx.SaveCalendar(ctx, &fleet.Calendar{ID: "c1", Name: "Monthly", Active: true, Rule: monthly(31), MethodID: "m1", CreatedAt: t0, UpdatedAt: t0}); err != nil {
					return err
				}
				if err := tx.SaveCalendar(ctx, &fleet.Calendar{ID: "c2", Name: "Spare", Active: false, Rule: monthly(1), CreatedAt: t0, UpdatedAt: t0}); err != nil {
					return err
				}
				batch := []*fleet.Instrument{
					{ID: "i1", Name: "A", TypeID: "gauge", Source: fleet.CalendarSource("c1"), LastCalibratedAt: &last, NextDueAt: &due, CreatedAt: t0, UpdatedAt: t0},
					{ID: "i2", Name: "B", TypeID: "gauge", Source: fleet.InlineSource(monthly(5)), CreatedAt: t0, UpdatedAt: t0},
					{ID: "i3", Name: "C", TypeID: "scale", Source: fleet.MethodSource("m1"), CreatedAt: t0, UpdatedAt: t0},
					{ID: "i4", Name: "D", CreatedAt: t0, UpdatedAt: t0},
				}
				if err := tx.SaveInstrumentBatch(ctx, batch); err != nil {
					return err
				}
				return tx.AppendAudit(ctx, fleet.AuditEntry{At: t0, Action: "seed", Target: "*", Count: 4})
			})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}

			err = st.View(ctx, func(r fleet.Reader) error {
				c, err := r.FindCalendarByName(ctx, "Monthly")
				if err != nil || c.ID != "c1" || !c.Active {
					t.Fatalf("FindCalendarByName = %+v, %v", c, err)
				}
				if _, err := r.FindCalendarByName(ctx, "missing"); !fleet.IsNotFound(err) {
					t.Fatalf("expected NotFound for unknown name, got %v", err)
				}
				derived, err := r.CalendarsDerivedFrom(ctx, "m1")
				if err != nil || len(derived) != 1 || derived[0].ID != "c1" {
					t.Fatalf("CalendarsDerivedFrom = %v, %v", derived, err)
				}

				members, err := r.ListInstruments(ctx, fleet.MembersOf("c1"))
				if err != nil || len(members) != 1 || members[0].ID != "i1" {
					t.Fatalf("members = %v, %v", members, err)
				}
				i1 := members[0]
				if i1.NextDueAt == nil || !i1.NextDueAt.Equal(due) || i1.LastCalibratedAt == nil || !i1.LastCalibratedAt.Equal(last) {
					t.Fatalf("dates not preserved: %+v", i1)
				}

				i2, err := r.LoadInstrument(ctx, "i2")
				if err != nil {
					return err
				}
				if rule, ok := i2.Source.Rule(); !ok || !rule.Equal(monthly(5)) {
					t.Fatalf("inline rule not preserved: %s", i2.Source)
				}

				gauges, err := r.ListInstruments(ctx, fleet.InstrumentFilter{TypeID: "gauge"})
				if err != nil || len(gauges) != 2 {
					t.Fatalf("gauges = %d, %v", len(gauges), err)
				}
				picked, err := r.ListInstruments(ctx, fleet.InstrumentFilter{IDs: []string{"i4", "i3"}})
				if err != nil || len(picked) != 2 || picked[0].ID != "i3" || picked[1].ID != "i4" {
					t.Fatalf("by ids = %v, %v", picked, err)
				}
				if !picked[1].Source.IsNone() {
					t.Fatalf("i4 source = %s, want none", picked[1].Source)
				}
				scheduled, err := r.ListInstruments(ctx, fleet.InstrumentFilter{Scheduled: true})
				if err != nil || len(scheduled) != 1 {
					t.Fatalf("scheduled = %d, %v", len(scheduled), err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("view: %v", err)
			}

			audit, err := st.RecentAudit(ctx, 10)
			if err != nil || len(audit) != 1 || audit[0].Action != "seed" || audit[0].Count != 4 {
				t.Fatalf("audit = %+v, %v", audit, err)
			}

			err = st.Update(ctx, func(tx fleet.Tx) error { return tx.DeleteCalendar(ctx, "nope") })
			if !fleet.IsNotFound(err) {
				t.Fatalf("delete unknown calendar: %v", err)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = st.Update(ctx, func(tx fleet.Tx) error {
		if err := tx.SaveMethod(ctx, &fleet.Method{ID: "m1", Name: "Torque", Rule: monthly(31), CreatedAt: t0, UpdatedAt: t0}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, fleet.AuditEntry{At: t0, Action: "method.create", Target: "m1"})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	err = st.View(ctx, func(r fleet.Reader) error {
		m, err := r.LoadMethod(ctx, "m1")
		if err != nil {
			return err
		}
		if m.Version != 1 || !m.Rule.Equal(monthly(31)) {
			t.Fatalf("reloaded method = %+v", m)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	audit, _ := st.RecentAudit(ctx, 5)
	if len(audit) != 1 || audit[0].Target != "m1" {
		t.Fatalf("audit after reopen = %+v", audit)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}
