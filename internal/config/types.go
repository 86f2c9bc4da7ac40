package config

// Config is the daemon configuration. Files are JSON or YAML; unknown keys
// are rejected in both.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http"`
	Telegram TelegramConfig `json:"telegram"`
	Jobs     JobsConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/calibra.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // postgres; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// HTTPConfig controls the REST API. RatePerSec and Burst size the per
// client IP token bucket; zero disables limiting.
type HTTPConfig struct {
	Enabled      bool    `json:"enabled"`
	Addr         string  `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	ReadTimeout  string  `json:"read_timeout,omitempty"`
	WriteTimeout string  `json:"write_timeout,omitempty"`
	Pprof        bool    `json:"pprof,omitempty"` // mount /debug/pprof/
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	PollTimeout  string  `json:"poll_timeout"` // Go duration string
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	DigestChat   int64   `json:"digest_chat,omitempty"`
	DigestThread int     `json:"digest_thread,omitempty"`
}

// JobsConfig controls the periodic jobs. Schedules accept cron
// expressions, Go durations ("6h") or a daily "HH:MM".
type JobsConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	RepairSchedule string `json:"repair_schedule,omitempty"`
	DigestSchedule string `json:"digest_schedule,omitempty"`
	DigestHorizon  string `json:"digest_horizon,omitempty"` // "7d", "72h"
	JobTimeout     string `json:"job_timeout,omitempty"`
}

const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultRepairSchedule = "03:00"
	DefaultDigestSchedule = "0 8 * * 1-5"
	DefaultDigestHorizon  = "7d"
)

// ApplyDefaults fills the fields whose zero value is not usable.
func (c *Config) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Jobs.RepairSchedule == "" {
		c.Jobs.RepairSchedule = DefaultRepairSchedule
	}
	if c.Jobs.DigestSchedule == "" {
		c.Jobs.DigestSchedule = DefaultDigestSchedule
	}
	if c.Jobs.DigestHorizon == "" {
		c.Jobs.DigestHorizon = DefaultDigestHorizon
	}
}
