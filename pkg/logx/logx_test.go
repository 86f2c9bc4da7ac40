package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "calibra/internal/transport"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"trace", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in, LevelInfo); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"store slow","comp":"storage","driver":"sqlite"}` + "\n")
	got := formatTelegramJSON(line)
	want := "[WARN] store slow\n- comp=storage\n- driver=sqlite"
	if got != want {
		t.Fatalf("formatTelegramJSON() = %q, want %q", got, want)
	}

	if got := formatTelegramJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-JSON line = %q", got)
	}
	long := formatTelegramJSON([]byte(strings.Repeat("x", 5000)))
	if len(long) != telegramMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("long line not truncated: len=%d", len(long))
	}
}

func TestNopAndZeroLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger must report IsZero")
	}
	zero.Info("discarded")
	nop := Nop()
	if nop.IsZero() {
		t.Fatal("Nop() must not be zero")
	}
	nop.With(String("comp", "test")).Error("discarded", Err(nil))
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (c *captureSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestTelegramSinkHonoursMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "error",
			RatePerSec: 10,
		},
	}, sender)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("repair failed", String("job", "repair"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sender.messages()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1: %q", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[ERROR] repair failed") || !strings.Contains(msgs[0], "- job=repair") {
		t.Fatalf("message = %q", msgs[0])
	}
	if sender.to[0].ChatID != 42 {
		t.Fatalf("target = %+v", sender.to[0])
	}
}

func TestDateField(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := Logger{base: zerolog.New(&buf), hasBase: true}
	due := time.Date(2024, 1, 10, 21, 0, 0, 0, time.FixedZone("EST", -5*3600))
	l.Info("registered", Date("next_due", &due), Date("last", nil))
	out := buf.String()
	if !strings.Contains(out, `"next_due":"2024-01-11"`) || !strings.Contains(out, `"last":"none"`) {
		t.Fatalf("log line = %s", out)
	}
}
