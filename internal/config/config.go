// Package config loads InterChat's configuration the way the teacher
// repository does: a JSON5 file for non-secret knobs, overlaid with
// environment variables for anything sensitive, with fsnotify-driven
// hot-reload of the mutable moderation knobs.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/titanous/json5"
)

// Config is the root configuration for the InterChat core service.
type Config struct {
	Database  DatabaseConfig  `json:"database,omitempty"`
	Cache     CacheConfig     `json:"cache,omitempty"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Admission AdmissionConfig `json:"admission,omitempty"`
	Matchmaker MatchmakerConfig `json:"matchmaker,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// DatabaseConfig selects and configures the Entity Store Adapter backend.
// PostgresDSN is never read from the config file (secret) — only from env.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (sqlite) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"` // from env INTERCHAT_POSTGRES_DSN only
}

// CacheConfig configures the shared Redis tier of the Cache Layer (§4.2).
// RedisAddr/RedisPassword come from env only when set, since a shared cache
// endpoint and credential count as deployment secrets.
type CacheConfig struct {
	RedisAddr     string `json:"-"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db,omitempty"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

// DiscordConfig configures the Discord Chat Transport adapter.
type DiscordConfig struct {
	BotToken string `json:"-"` // from env INTERCHAT_DISCORD_TOKEN only
}

// AdmissionConfig configures the Admission Pipeline's tunable knobs (§4.5).
// AntiSwearWordlistPath is hot-reloaded via fsnotify so moderators can push
// wordlist updates without a restart.
type AdmissionConfig struct {
	SpamWindowSeconds     int     `json:"spam_window_seconds,omitempty"`
	SpamMaxMessages       int     `json:"spam_max_messages,omitempty"`
	NoticeCooldownSeconds int     `json:"notice_cooldown_seconds,omitempty"`
	AntiSwearWordlistPath string `json:"antiswear_wordlist_path,omitempty"`
}

// MatchmakerConfig configures the Call Matchmaker's timing knobs (§4.8).
type MatchmakerConfig struct {
	RecentMatchCooldownSeconds int `json:"recent_match_cooldown_seconds,omitempty"`
	MaxQueueWaitSeconds        int `json:"max_queue_wait_seconds,omitempty"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults, mirroring the teacher's
// config.Default() constructor.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "./interchat.db",
		},
		Cache: CacheConfig{
			RedisDB:    0,
			TTLSeconds: 300,
		},
		Admission: AdmissionConfig{
			SpamWindowSeconds:     10,
			SpamMaxMessages:       5,
			NoticeCooldownSeconds: 60,
		},
		Matchmaker: MatchmakerConfig{
			RecentMatchCooldownSeconds: 300,
			MaxQueueWaitSeconds:        120,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; Default() plus env overrides is a valid config.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("INTERCHAT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("INTERCHAT_REDIS_ADDR", &c.Cache.RedisAddr)
	envStr("INTERCHAT_REDIS_PASSWORD", &c.Cache.RedisPassword)
	envStr("INTERCHAT_DISCORD_TOKEN", &c.Discord.BotToken)
	envStr("INTERCHAT_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
}

// IsPostgres reports whether the managed Postgres backend is configured.
func (c *Config) IsPostgres() bool {
	return c.Database.Mode == "postgres" && c.Database.PostgresDSN != ""
}

// AntiSwearWordlistPath returns the configured wordlist path under lock, so
// the fsnotify watcher in watch.go and readers never race on the field.
func (c *Config) AntiSwearWordlistPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Admission.AntiSwearWordlistPath
}
