package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/calibra.db
  busy_timeout: 3s
http:
  enabled: true
  rate_per_sec: 5
  burst: 10
telegram:
  enabled: true
  token: "123:abc"
  owner_user_ids: [1001, 1002]
  digest_chat: -100200
jobs:
  enabled: true
  timezone: Europe/Berlin
  digest_horizon: 14d
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("calibra.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "3s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.DigestChat != -100200 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr || cfg.Jobs.RepairSchedule != DefaultRepairSchedule {
		t.Fatalf("defaults not applied: http=%+v jobs=%+v", cfg.HTTP, cfg.Jobs)
	}
	if cfg.Jobs.DigestHorizon != "14d" {
		t.Fatalf("digest horizon = %q", cfg.Jobs.DigestHorizon)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		data string
	}{
		{"unknown json key", "c.json", `{"storage":{"driver":"memory","pathh":"x"}}`},
		{"unknown yaml key", "c.yml", "jobs:\n  enabled: true\n  cron: '* * * * *'\n"},
		{"trailing json", "c.json", `{"storage":{}} {"http":{}}`},
		{"bad yaml", "c.yaml", "logging: [unclosed"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.file, []byte(tc.data)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecodeEmptyYAMLUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", []byte("# nothing\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"90s", 90 * time.Second, false},
		{"7d", 7 * 24 * time.Hour, false},
		{" 0d ", 0, false},
		{"-1s", 0, true},
		{"-2d", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("jobs.digest_horizon", tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if err != nil {
			if !strings.Contains(err.Error(), "jobs.digest_horizon") {
				t.Fatalf("error does not name the field: %v", err)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default not used: %v", d)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}, Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:p@h/db"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "new-secret"}, Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:other@h/db"}}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "storage,telegram" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}

func TestManagerLoadRunsValidator(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calibra.json")
	if err := os.WriteFile(path, []byte(`{"jobs":{"enabled":true,"timezone":"Nowhere/Land"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	bad := errors.New("bad timezone")
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if _, err := time.LoadLocation(cfg.Jobs.Timezone); err != nil {
			return bad
		}
		return nil
	})
	if _, err := m.Load(context.Background()); !errors.Is(err, bad) {
		t.Fatalf("Load() = %v, want validator error", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config was committed")
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calibra.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}
	cancel()
	<-done
}
