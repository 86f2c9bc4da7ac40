package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	kit "calibra/internal/transport"
	logx "calibra/pkg/logx"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

var asOf = day(2024, 6, 10)

func row(id, name string, due, grace time.Time, st recurrence.Status) fleet.StatusView {
	return fleet.StatusView{
		Instrument: &fleet.Instrument{ID: id, Name: name},
		Scheduled:  true,
		DueAt:      due,
		GraceEnd:   grace,
		Status:     st,
	}
}

func sampleReport() fleet.Report {
	return fleet.Report{
		AsOf: asOf,
		Rows: []fleet.StatusView{
			row("TW-1", "Torque wrench", day(2024, 5, 31), day(2024, 6, 3), recurrence.Overdue),
			row("PG-7", "", day(2024, 6, 8), day(2024, 6, 11), recurrence.Grace),
			row("CAL-2", "Caliper", day(2024, 6, 14), day(2024, 6, 14), recurrence.Upcoming),
		},
		Dangling: []string{"OLD-9"},
	}
}

func TestFormatGroupsByUrgency(t *testing.T) {
	t.Parallel()
	got := Format(sampleReport())
	want := strings.Join([]string{
		"Overdue (1):",
		"- TW-1 Torque wrench: due 2024-05-31 (10d late, grace ended 2024-06-03)",
		"",
		"In grace (1):",
		"- PG-7: due 2024-06-08, grace until 2024-06-11",
		"",
		"Upcoming (1):",
		"- CAL-2 Caliper: due 2024-06-14 (in 4d)",
		"",
		"Broken schedule reference: OLD-9",
	}, "\n")
	if got != want {
		t.Fatalf("Format() =\n%s\nwant\n%s", got, want)
	}
	if Format(fleet.Report{AsOf: asOf}) != "" {
		t.Fatal("empty report should format to empty string")
	}
}

type fakeReporter struct {
	rep    fleet.Report
	filter fleet.ReportFilter
}

func (f *fakeReporter) Report(_ context.Context, _ time.Time, flt fleet.ReportFilter) (fleet.Report, error) {
	f.filter = flt
	return f.rep, nil
}

type captureSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	to    []kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return kit.MessageRef{}, errors.New("flaky")
	}
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func newTestService(rep fleet.Report, snd *captureSender, cfg Config) (*Service, *fakeReporter) {
	fr := &fakeReporter{rep: rep}
	s := New(cfg, fr, snd, logx.Nop())
	s.now = func() time.Time { return asOf.Add(8 * time.Hour) }
	return s, fr
}

func TestRunSendsDigestWithinHorizon(t *testing.T) {
	t.Parallel()
	snd := &captureSender{fails: 1}
	target := kit.ChatTarget{ChatID: -100, ThreadID: 4}
	s, fr := newTestService(sampleReport(), snd, Config{
		Target: target, Horizon: 7 * 24 * time.Hour, RatePerSec: 100,
		RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := asOf.Add(8*time.Hour + 7*24*time.Hour); !fr.filter.DueBefore.Equal(want) {
		t.Fatalf("DueBefore = %v, want %v", fr.filter.DueBefore, want)
	}
	if len(snd.sent) != 1 || snd.to[0] != target {
		t.Fatalf("sent = %v to %v", snd.sent, snd.to)
	}
	if !strings.HasPrefix(snd.sent[0], "Calibration digest 2024-06-10 (next 7d)") {
		t.Fatalf("digest header = %q", snd.sent[0])
	}
}

func TestRunSuppressesDuplicatesAndEmpty(t *testing.T) {
	t.Parallel()
	snd := &captureSender{}
	s, fr := newTestService(sampleReport(), snd, Config{
		Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 100, DedupWindow: time.Hour,
	})
	for range 2 {
		if err := s.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(snd.sent) != 1 {
		t.Fatalf("sent %d digests, want 1", len(snd.sent))
	}
	fr.rep = fleet.Report{AsOf: asOf}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snd.sent) != 1 {
		t.Fatal("empty digest was sent")
	}
}

func TestRunRequiresTarget(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(sampleReport(), &captureSender{}, Config{})
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("Run() = %v, want ErrNoTarget", err)
	}
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	snd := &captureSender{fails: 5}
	s, _ := newTestService(sampleReport(), snd, Config{
		Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 100,
		RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond,
	})
	if err := s.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "flaky") {
		t.Fatalf("Run() = %v, want send failure", err)
	}
	if snd.fails != 3 {
		t.Fatalf("attempts = %d, want 2", 5-snd.fails)
	}
}
