package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "calibra/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		spec   string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", spec: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", spec: "0 0 * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", spec: "@daily"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", spec: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", spec: "@every 45s"},
		{name: "daily", raw: "03:00", kind: SpecCron, source: "daily", spec: "0 3 * * *"},
		{name: "prefixed daily", raw: "daily: 23:15", kind: SpecCron, source: "daily", spec: "15 23 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec() = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "24:00", "12:60", "-5m", "interval:soon", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestValidateScheduleChecksCron(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"03:00", "6h", "0 8 * * 1-5", "@daily"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"61 * * * *", "cron:not a cron", "@fortnightly"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("ValidateSchedule(%q): expected error", bad)
		}
	}
}

func TestAddScheduleValidates(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("", "1h", 0, job); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddSchedule("x", "61 * * * *", 0, job); err == nil {
		t.Fatal("expected error for bad cron field")
	}
	if err := s.AddSchedule("x", "1h", 0, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestAddScheduleUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("repair", "03:00", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("repair", "6h", time.Minute, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if got := snap.Schedules[0]; got.Spec != "@every 6h0m0s" || got.Timeout != time.Minute {
		t.Fatalf("schedule = %+v", got)
	}
	if !s.Remove("repair") || s.Remove("repair") {
		t.Fatal("Remove should succeed once")
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	err := s.AddSchedule("digest", "1h", time.Second, func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return errors.New("boom")
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "digest")
		done <- err
	}()
	<-started
	ran, err := s.RunNow(context.Background(), "digest")
	if ran || err != nil {
		t.Fatalf("overlapping RunNow = (%v, %v), want skipped", ran, err)
	}
	close(release)
	if err := <-done; err == nil || err.Error() != "boom" {
		t.Fatalf("first run err = %v", err)
	}

	info := s.Snapshot().Schedules[0]
	if calls.Load() != 1 || info.Runs != 1 || info.Skipped != 1 || info.LastErr != "boom" {
		t.Fatalf("calls=%d info=%+v", calls.Load(), info)
	}
	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown schedule")
	}
}

func TestRunNowAppliesTimeoutAndRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, logx.Nop())
	_ = s.AddSchedule("slow", "1h", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_ = s.AddSchedule("bad", "1h", 0, func(context.Context) error { panic("kaboom") })

	if _, err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow err = %v", err)
	}
	if _, err := s.RunNow(context.Background(), "bad"); err == nil {
		t.Fatal("panic was not converted to an error")
	}
}

func TestStartStopReportsNextRun(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "Europe/Berlin"}, logx.Nop())
	if err := s.AddSchedule("repair", "03:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	snap := s.Snapshot()
	if !snap.Started || snap.Timezone != "Europe/Berlin" {
		t.Fatalf("snapshot = %+v", snap)
	}
	next := snap.Schedules[0].Next.In(time.UTC)
	loc, _ := time.LoadLocation("Europe/Berlin")
	if local := next.In(loc); local.Hour() != 3 || local.Minute() != 0 {
		t.Fatalf("next run = %v, want 03:00 Berlin", local)
	}

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	if got := s.Snapshot().Schedules[0].Next; got.In(time.UTC).Hour() != 3 {
		t.Fatalf("next run after tz change = %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Snapshot().Started {
		t.Fatal("still started after Stop")
	}
}
