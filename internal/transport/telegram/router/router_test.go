package router

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	kit "calibra/internal/transport"
	logx "calibra/pkg/logx"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{"/overdue", "overdue", nil, true},
		{"  /Due@calibra_bot TW-1 ", "due", []string{"TW-1"}, true},
		{`/due "TW 01"`, "due", []string{"TW 01"}, true},
		{`/due TW\ 02 ''`, "due", []string{"TW 02", ""}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"/@bot", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.text)
		if ok != tc.ok || name != tc.name || !slices.Equal(args, tc.args) {
			t.Fatalf("parseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.text, name, args, ok, tc.name, tc.args, tc.ok)
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

func TestDispatchReportsFailures(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := New(rec, []int64{1}, logx.Nop())
	r.Register(
		Command{Name: "boom", Access: AccessEveryone, Handle: func(context.Context, *Request) error { panic("x") }},
		Command{Name: "fail", Access: AccessEveryone, Handle: func(context.Context, *Request) error { return errors.New("store down") }},
		Command{Name: "slow", Access: AccessEveryone, Timeout: 10 * time.Millisecond, Handle: func(ctx context.Context, _ *Request) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	for _, text := range []string{"/boom", "/fail", "/slow"} {
		if err := r.Dispatch(context.Background(), kit.Message{Text: text, FromID: 9}); err == nil {
			t.Fatalf("%s: expected error", text)
		}
	}
	want := []string{"failed: panic: x", "failed: store down", "failed: context deadline exceeded"}
	if got := rec.texts(); !slices.Equal(got, want) {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}

func TestSetOwnersTakesEffect(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := New(rec, nil, logx.Nop())
	r.Register(Command{Name: "ping", Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "pong") }})

	_ = r.Dispatch(context.Background(), kit.Message{Text: "/ping", FromID: 5})
	r.SetOwners([]int64{5})
	_ = r.Dispatch(context.Background(), kit.Message{Text: "/ping", FromID: 5})
	if got := rec.texts(); !slices.Equal(got, []string{"unauthorized", "pong"}) {
		t.Fatalf("replies = %q", got)
	}
}

func TestRunDrainsMessages(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := New(rec, []int64{5}, logx.Nop())
	r.Register(Command{Name: "ping", Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "pong") }})

	in := make(chan kit.Message, 4)
	for range 3 {
		in <- kit.Message{Text: "/ping", FromID: 5}
	}
	close(in)
	if err := r.Run(context.Background(), in, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.texts()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(rec.texts()); n != 3 {
		t.Fatalf("replies = %d, want 3", n)
	}
}
