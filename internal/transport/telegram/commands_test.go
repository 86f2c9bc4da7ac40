package telegram_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	"calibra/internal/storage"
	kit "calibra/internal/transport"
	"calibra/internal/transport/telegram"
	"calibra/internal/transport/telegram/router"
	logx "calibra/pkg/logx"
)

const owner = int64(42)

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

func day(m time.Month, d int) *time.Time {
	t := time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func newBot(t *testing.T) (*router.Router, *captureSender) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	svc := fleet.NewService(st, logx.Nop(),
		fleet.WithClock(func() time.Time { return time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC) }))

	every := func(n int, graceDays int) fleet.Source {
		tol := recurrence.Tolerance{Value: graceDays, Unit: recurrence.Days}
		return fleet.InlineSource(recurrence.MustRule(recurrence.NewFixedInterval(n, recurrence.Days, tol)))
	}
	for _, in := range []fleet.InstrumentInput{
		{ID: "TW-1", Name: "Torque wrench", Source: every(30, 3), LastCalibratedAt: day(5, 1)},
		{ID: "PG-7", Name: "PG-7", Source: every(30, 5), LastCalibratedAt: day(5, 10)},
		{ID: "CAL-2", Name: "Caliper", Source: every(7, 0), LastCalibratedAt: day(6, 5)},
		{ID: "GB-3", Name: "Gauge block", Source: every(30, 0), LastCalibratedAt: day(6, 1)},
		{ID: "SPARE", Name: "Spare scale", CreatedAt: *day(5, 1)},
	} {
		if _, err := svc.RegisterInstrument(context.Background(), in); err != nil {
			t.Fatalf("RegisterInstrument(%s): %v", in.ID, err)
		}
	}

	snd := &captureSender{}
	r := router.New(snd, []int64{owner}, logx.Nop())
	telegram.Register(r, svc)
	return r, snd
}

func send(t *testing.T, r *router.Router, from int64, text string) {
	t.Helper()
	_ = r.Dispatch(context.Background(), kit.Message{ChatID: -100, FromID: from, Text: text})
}

func TestCommands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		from    int64
		text    string
		want    []string
		notWant []string
	}{
		{
			name:    "overdue lists overdue and grace",
			from:    owner,
			text:    "/overdue",
			want:    []string{"Overdue (1):", "TW-1 Torque wrench: due 2024-05-31", "In grace (1):", "PG-7: due 2024-06-09"},
			notWant: []string{"CAL-2", "SPARE"},
		},
		{
			name:    "upcoming default week",
			from:    owner,
			text:    "/upcoming@calibra_bot",
			want:    []string{"Upcoming (1):", "CAL-2 Caliper: due 2024-06-12 (in 2d)"},
			notWant: []string{"GB-3", "TW-1"},
		},
		{
			name: "upcoming custom window",
			from: owner,
			text: "/upcoming 30",
			want: []string{"Upcoming (2):", "GB-3 Gauge block: due 2024-07-01"},
		},
		{name: "upcoming bad arg", from: owner, text: "/upcoming soon", want: []string{"usage: /upcoming [days]"}},
		{
			name: "due scheduled",
			from: owner,
			text: "/due CAL-2",
			want: []string{"CAL-2 Caliper", "last calibrated: 2024-06-05", "due: 2024-06-12 (upcoming)", "grace until: 2024-06-12"},
		},
		{name: "due unscheduled", from: owner, text: "/due SPARE", want: []string{"source: none", "no active schedule"}},
		{name: "due missing", from: owner, text: "/due NOPE", want: []string{"instrument NOPE not found"}},
		{name: "due usage", from: owner, text: "/due", want: []string{"usage: /due <instrument-id>"}},
		{name: "stranger denied", from: 7, text: "/overdue", want: []string{"unauthorized"}},
		{name: "help is public", from: 7, text: "/help", want: []string{"/due <instrument-id>", "/overdue", "/upcoming [days]"}},
		{name: "unknown", from: owner, text: "/calibrate", want: []string{"unknown command"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, snd := newBot(t)
			send(t, r, tc.from, tc.text)
			got := snd.last()
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("reply to %q missing %q:\n%s", tc.text, w, got)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(got, w) {
					t.Fatalf("reply to %q contains %q:\n%s", tc.text, w, got)
				}
			}
		})
	}
}

func TestPlainTextIsIgnored(t *testing.T) {
	t.Parallel()
	r, snd := newBot(t)
	send(t, r, owner, "hello there")
	if len(snd.sent) != 0 {
		t.Fatalf("unexpected replies: %q", snd.sent)
	}
}

func TestMenuListsCommands(t *testing.T) {
	t.Parallel()
	r, _ := newBot(t)
	var names []string
	for _, c := range r.Menu() {
		names = append(names, c.Command)
	}
	if got := strings.Join(names, ","); got != "due,help,overdue,upcoming" {
		t.Fatalf("menu = %s", got)
	}
}
