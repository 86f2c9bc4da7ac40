package app

import (
	"fmt"
	"strings"
	"time"

	"calibra/internal/alert"
	"calibra/internal/config"
	"calibra/internal/httpapi"
	"calibra/internal/scheduler"
	"calibra/internal/storage"
	kit "calibra/internal/transport"
	logx "calibra/pkg/logx"
)

const (
	defaultJobTimeout  = 5 * time.Minute
	defaultPollTimeout = 10 * time.Second
	digestDedupWindow  = time.Hour
	digestRetryMax     = 3
)

// StorageConfig maps the storage section onto a storage.Config.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConn: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapLogConfig maps the logging section. The telegram sink stays off until
// a chat is configured.
func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && lc.Telegram.ChatID != 0 && cfg.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	if hc.RatePerSec < 0 {
		return httpapi.Config{}, fmt.Errorf("http.rate_per_sec must be >= 0")
	}
	if hc.Burst < 0 {
		return httpapi.Config{}, fmt.Errorf("http.burst must be >= 0")
	}
	rt, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      hc.Enabled,
		Addr:         strings.TrimSpace(hc.Addr),
		RatePerSec:   hc.RatePerSec,
		Burst:        hc.Burst,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        hc.Pprof,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	jc := cfg.Jobs
	tz := strings.TrimSpace(jc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("jobs.timezone: invalid %q: %w", tz, err)
		}
	}
	timeout, err := config.ParseDurationOrDefault("jobs.job_timeout", jc.JobTimeout, defaultJobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	for field, spec := range map[string]string{
		"jobs.repair_schedule": jc.RepairSchedule,
		"jobs.digest_schedule": jc.DigestSchedule,
	} {
		if err := scheduler.ValidateSchedule(spec); err != nil {
			return scheduler.Config{}, fmt.Errorf("%s: %w", field, err)
		}
	}
	return scheduler.Config{Enabled: jc.Enabled, Timezone: tz, DefaultTimeout: timeout}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	horizon, err := config.ParseDurationField("jobs.digest_horizon", cfg.Jobs.DigestHorizon)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Target:      kit.ChatTarget{ChatID: cfg.Telegram.DigestChat, ThreadID: cfg.Telegram.DigestThread},
		Horizon:     horizon,
		RetryMax:    digestRetryMax,
		DedupWindow: digestDedupWindow,
	}, nil
}

func mapPollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
}

// validate rejects a config before it is committed, at startup and on
// every hot reload.
func validate(cfg *config.Config) error {
	if _, err := StorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollTimeout(cfg); err != nil {
		return err
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled=true")
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	return nil
}
