package ctl

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"calibra/internal/fleet"
	"calibra/internal/storage"
)

// keepOpen lets several commands share one in-memory store.
type keepOpen struct{ storage.Store }

func (keepOpen) Close() error { return nil }

const importYAML = `
methods:
  - name: Torque check
    instrument_type_id: wrench
    rule: {recurrenceType: FIXED_INTERVAL, frequencyValue: 30, frequencyUnit: DAYS, toleranceValue: 3, toleranceUnit: DAYS}
instruments:
  - id: TW-1
    name: Torque wrench
    type_id: wrench
    last_calibrated_at: 2024-05-01
    method: Torque check
  - id: PG-7
    name: Pressure gauge
    last_calibrated_at: 2024-06-01
    rule: {recurrenceType: CALENDAR_MONTHLY, dayOfMonth: 15}
  - id: SC-1
    name: Scale
    last_calibrated_at: 2024-01-10
`

type harness struct {
	t  *testing.T
	e  *env
	st storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	e := &env{
		open: func(context.Context, *env) (storage.Store, error) { return keepOpen{st}, nil },
		now:  func() time.Time { return time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC) },
	}
	return &harness{t: t, e: e, st: st}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCmd(h.e)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) importFixture() {
	h.t.Helper()
	f, err := decodeImport(strings.NewReader(importYAML))
	if err != nil {
		h.t.Fatalf("decodeImport: %v", err)
	}
	err = h.e.withService(context.Background(), func(svc *fleet.Service, _ storage.Store) error {
		st, err := runImport(context.Background(), svc, f)
		if err != nil {
			return err
		}
		if st.MethodsCreated != 1 || st.InstrumentsCreated != 3 || len(st.Defaulted) != 1 || st.Defaulted[0] != "SC-1" {
			h.t.Fatalf("import stats = %+v", st)
		}
		return nil
	})
	if err != nil {
		h.t.Fatalf("runImport: %v", err)
	}
}

func TestImportIsIdempotentAndDefaultsInterval(t *testing.T) {
	h := newHarness(t)
	h.importFixture()

	f, _ := decodeImport(strings.NewReader(importYAML))
	err := h.e.withService(context.Background(), func(svc *fleet.Service, _ storage.Store) error {
		st, err := runImport(context.Background(), svc, f)
		if err != nil {
			return err
		}
		if st.MethodsCreated != 0 || st.MethodsExisting != 1 || st.InstrumentsExisting != 3 {
			t.Fatalf("second import stats = %+v", st)
		}
		inst, err := svc.GetInstrument(context.Background(), "SC-1")
		if err != nil {
			return err
		}
		// Six months after 2024-01-10.
		if inst.NextDueAt == nil || inst.NextDueAt.Format(time.DateOnly) != "2024-07-10" {
			t.Fatalf("SC-1 due = %v", inst.NextDueAt)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDecodeImportRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	if _, err := decodeImport(strings.NewReader("instruments:\n  - id: X\n    colour: red\n")); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := decodeImport(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestReportCommand(t *testing.T) {
	h := newHarness(t)
	h.importFixture()

	out, err := h.run("report", "--as-of", "2024-06-10", "--status", "overdue")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	// TW-1: due 2024-05-31, grace until 2024-06-03.
	if !strings.Contains(out, "Overdue (1):") || !strings.Contains(out, "TW-1 Torque wrench: due 2024-05-31") {
		t.Fatalf("report output:\n%s", out)
	}
	if strings.Contains(out, "PG-7") {
		t.Fatalf("status filter ignored:\n%s", out)
	}

	if _, err := h.run("report", "--status", "late"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestApplyRemoveAndAudit(t *testing.T) {
	h := newHarness(t)
	h.importFixture()

	var methodID string
	_ = h.e.withService(context.Background(), func(svc *fleet.Service, _ storage.Store) error {
		ms, err := svc.ListMethods(context.Background())
		if err != nil || len(ms) != 1 {
			t.Fatalf("ListMethods = %v, %v", ms, err)
		}
		methodID = ms[0].ID
		return nil
	})

	out, err := h.run("remove", methodID, "TW-1", "PG-7")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.HasPrefix(out, "1 instrument(s) unscheduled: TW-1") {
		t.Fatalf("remove output = %q", out)
	}

	out, err = h.run("apply", methodID, "TW-1", "--calendar", "Wrenches")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(out, `calendar "Wrenches"`) || !strings.Contains(out, "created, 1 instrument(s) assigned") {
		t.Fatalf("apply output = %q", out)
	}

	out, err = h.run("audit", "-n", "2")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 || !strings.Contains(lines[0], "calibctl") {
		t.Fatalf("audit output:\n%s", out)
	}
}

func TestFeedCommand(t *testing.T) {
	h := newHarness(t)
	h.importFixture()
	if _, err := h.run("feed", "missing"); err == nil {
		t.Fatal("expected not found for unknown calendar")
	}
}
