package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/data"
)

// Config holds every knob the service reads at start-up.
type Config struct {
	MySQLDSN    string
	RedisURL    string
	Port        string
	JWTSecret   string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	HTTP    HTTPConfig
	Tally   TallyConfig
	Bus     BusConfig
	Outbox  OutboxConfig
	Monitor MonitorConfig
	Discord DiscordConfig
}

// HTTPConfig tunes the HTTP adapter. TLS is served when both SSL paths are set.
type HTTPConfig struct {
	SSLCert         string
	SSLKey          string
	VoteRateLimit   int
	VoteRateWindow  time.Duration
	ShutdownTimeout time.Duration
}

// TLSEnabled reports whether certificate paths are configured.
func (h HTTPConfig) TLSEnabled() bool {
	return h.SSLCert != "" && h.SSLKey != ""
}

// TallyConfig tunes the tally update worker.
type TallyConfig struct {
	Partitions        int
	MaxAttempts       int
	BaseBackoff       time.Duration
	ReconcileInterval time.Duration
}

// BusConfig tunes signal delivery.
type BusConfig struct {
	MaxDeliveries  int
	RedeliverAfter time.Duration
	Concurrency    int
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	Interval  time.Duration
	BatchSize int
}

// MonitorConfig tunes the illegal attempt monitor.
type MonitorConfig struct {
	DuplicateStormThreshold int
	AlertWorkers            int
}

// DiscordConfig enables operator alerts when both fields are set.
type DiscordConfig struct {
	Token        string
	AlertChannel string
}

// Enabled reports whether Discord alerts are configured.
func (d DiscordConfig) Enabled() bool {
	return d.Token != "" && d.AlertChannel != ""
}

// Load reads the environment, after merging a local .env file when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		MySQLDSN:    getenv("MYSQL_DSN", ""),
		RedisURL:    os.Getenv("REDIS_URL"),
		Port:        getenv("PORT", "8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		CORSOrigins: parseCSV(getenv("CORS_ORIGINS", "*")),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),
		HTTP: HTTPConfig{
			SSLCert:         os.Getenv("SSL_CERT"),
			SSLKey:          os.Getenv("SSL_KEY"),
			VoteRateLimit:   getInt("VOTE_RATE_LIMIT", 30),
			VoteRateWindow:  getDuration("VOTE_RATE_WINDOW", time.Minute),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Tally: TallyConfig{
			Partitions:        getInt("TALLY_PARTITIONS", 8),
			MaxAttempts:       getInt("TALLY_MAX_ATTEMPTS", 3),
			BaseBackoff:       getDuration("TALLY_BASE_BACKOFF", 100*time.Millisecond),
			ReconcileInterval: getDuration("TALLY_RECONCILE_INTERVAL", 30*time.Second),
		},
		Bus: BusConfig{
			MaxDeliveries:  getInt("BUS_MAX_DELIVERIES", 5),
			RedeliverAfter: getDuration("BUS_REDELIVER_AFTER", 5*time.Second),
			Concurrency:    getInt("BUS_CONCURRENCY", 16),
		},
		Outbox: OutboxConfig{
			Interval:  getDuration("OUTBOX_INTERVAL", time.Second),
			BatchSize: getInt("OUTBOX_BATCH_SIZE", 100),
		},
		Monitor: MonitorConfig{
			DuplicateStormThreshold: getInt("DUPLICATE_STORM_THRESHOLD", 5),
			AlertWorkers:            getInt("ALERT_WORKERS", 2),
		},
		Discord: DiscordConfig{
			Token:        os.Getenv("DISCORD_TOKEN"),
			AlertChannel: os.Getenv("DISCORD_ALERT_CHANNEL"),
		},
	}

	if cfg.MySQLDSN == "" {
		return cfg, fmt.Errorf("MYSQL_DSN is not set")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is not set")
	}
	return cfg, nil
}

// ApplySettings overrides tunables with active rows of the settings table.
func ApplySettings(db *gorm.DB, cfg *Config) error {
	if err := data.LoadSettings(db); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	overrideInt(&cfg.Tally.Partitions, "tally_partitions")
	overrideInt(&cfg.Tally.MaxAttempts, "tally_max_attempts")
	overrideDuration(&cfg.Tally.BaseBackoff, "tally_base_backoff")
	overrideDuration(&cfg.Tally.ReconcileInterval, "tally_reconcile_interval")
	overrideInt(&cfg.Bus.MaxDeliveries, "bus_max_deliveries")
	overrideDuration(&cfg.Bus.RedeliverAfter, "bus_redeliver_after")
	overrideDuration(&cfg.Outbox.Interval, "outbox_interval")
	overrideInt(&cfg.Monitor.DuplicateStormThreshold, "duplicate_storm_threshold")
	overrideInt(&cfg.HTTP.VoteRateLimit, "vote_rate_limit")

	if v := data.GetSetting("discord_token"); v != "" {
		cfg.Discord.Token = v
	}
	if v := data.GetSetting("discord_alert_channel"); v != "" {
		cfg.Discord.AlertChannel = v
	}
	return nil
}

// GetSetting retrieves a setting with env fallback
func GetSetting(name, envKey, defaultValue string) string {
	val := data.GetSetting(name)
	if val == "" {
		val = os.Getenv(envKey)
	}
	if val == "" {
		val = defaultValue
	}
	return val
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if n, err := strconv.Atoi(getenv(key, "")); err == nil && n > 0 {
		return n
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getenv(key, "")); err == nil && d > 0 {
		return d
	}
	return def
}

func overrideInt(dst *int, name string) {
	if n, err := strconv.Atoi(data.GetSetting(name)); err == nil && n > 0 {
		*dst = n
	}
}

func overrideDuration(dst *time.Duration, name string) {
	if d, err := time.ParseDuration(data.GetSetting(name)); err == nil && d > 0 {
		*dst = d
	}
}

func parseCSV(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
