// Package config handles wagate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wagate/config.yaml, /etc/wagate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wagate", "config.yaml"))
	}

	paths = append(paths, "/etc/wagate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wagate configuration.
type Config struct {
	Listen         ListenConfig    `yaml:"listen"`
	Database       DatabaseConfig  `yaml:"database"`
	Sessions       SessionsConfig  `yaml:"sessions"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Broadcast      BroadcastConfig `yaml:"broadcast"`
	Scraper        ScraperConfig   `yaml:"scraper"`
	AI             AIConfig        `yaml:"ai"`
	Shipping       ShippingConfig  `yaml:"shipping"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
	Transport      TransportConfig `yaml:"transport"`
	CORSOrigins    []string        `yaml:"cors_origins"`
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"` // "text" or "json"
	MediaStorePath string          `yaml:"media_store_path"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig locates the sqlite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig controls the session manager.
type SessionsConfig struct {
	// StoragePath is the root for per-session credential directories
	// (StoragePath/<session_id>/).
	StoragePath string `yaml:"storage_path"`
	// QRTTLSeconds is how long an issued QR payload stays valid.
	QRTTLSeconds int `yaml:"qr_ttl_seconds"`
	// ReconnectBaseSeconds / ReconnectMaxSeconds shape the backoff.
	ReconnectBaseSeconds int `yaml:"reconnect_base_seconds"`
	ReconnectMaxSeconds  int `yaml:"reconnect_max_seconds"`
	// MaxReconnectAttempts is the quick-retry budget before the long
	// cool-off.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// CooloffSeconds is the long pause after the quick retries are
	// exhausted.
	CooloffSeconds int `yaml:"cooloff_seconds"`
	// ConnectTimeoutSeconds bounds transport connect and query calls.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// RateLimitConfig is the per-session send-pacing envelope.
type RateLimitConfig struct {
	MessagesPerMinute     int `yaml:"messages_per_minute"`
	MessagesPerHour       int `yaml:"messages_per_hour"`
	MessagesPerDay        int `yaml:"messages_per_day"`
	MinDelayMs            int `yaml:"min_delay_ms"`
	MaxDelayMs            int `yaml:"max_delay_ms"`
	CooldownAfterMessages int `yaml:"cooldown_after_messages"`
	CooldownDurationMs    int `yaml:"cooldown_duration_ms"`
}

// BroadcastConfig holds campaign execution defaults.
type BroadcastConfig struct {
	BatchSize     int `yaml:"batch_size"`
	BatchDelayMs  int `yaml:"batch_delay_ms"`
	MaxRecipients int `yaml:"max_recipients"`
}

// ScraperConfig is the directory-scraper pacing profile. Profile picks
// a named preset (safe, balanced, aggressive); explicit fields override
// the preset's values when non-zero.
type ScraperConfig struct {
	Profile                  string `yaml:"profile"`
	MaxScrapesPerDay         int    `yaml:"max_scrapes_per_day"`
	CooldownBetweenScrapesMn int    `yaml:"cooldown_between_scrapes_minutes"`
	MaxContactsPerScrape     int    `yaml:"max_contacts_per_scrape"`
	ContactsPerBatch         int    `yaml:"contacts_per_batch"`
	BatchSaveDelayMs         int    `yaml:"batch_save_delay_ms"`
	MinDelayBetweenGroupsMs  int    `yaml:"min_delay_between_groups_ms"`
	MaxDelayBetweenGroupsMs  int    `yaml:"max_delay_between_groups_ms"`
}

// AIConfig defines the text-generation collaborator.
type AIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ShippingConfig defines the shipping-cost collaborator.
type ShippingConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// TransportConfig launches the provider bridge helper. The gateway
// talks to the chat network through one bridge subprocess per session,
// speaking JSON-RPC over stdio.
type TransportConfig struct {
	// Command is the bridge executable (default "wagate-bridge",
	// resolved via PATH).
	Command string `yaml:"command"`
	// Args are extra arguments prepended before the per-session flags.
	Args []string `yaml:"args"`
}

// MQTTConfig defines the optional MQTT event sink.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix is prepended to every published event topic
	// (default "wagate").
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.Scraper = cfg.Scraper.withProfileDefaults()
	return cfg, nil
}

// withProfileDefaults overlays the named preset under any explicitly
// set scraper fields, so a config can say `profile: safe` and still
// override a single knob.
func (s ScraperConfig) withProfileDefaults() ScraperConfig {
	base := ScraperProfile(s.Profile)
	if s.MaxScrapesPerDay != 0 {
		base.MaxScrapesPerDay = s.MaxScrapesPerDay
	}
	if s.CooldownBetweenScrapesMn != 0 {
		base.CooldownBetweenScrapesMn = s.CooldownBetweenScrapesMn
	}
	if s.MaxContactsPerScrape != 0 {
		base.MaxContactsPerScrape = s.MaxContactsPerScrape
	}
	if s.ContactsPerBatch != 0 {
		base.ContactsPerBatch = s.ContactsPerBatch
	}
	if s.BatchSaveDelayMs != 0 {
		base.BatchSaveDelayMs = s.BatchSaveDelayMs
	}
	if s.MinDelayBetweenGroupsMs != 0 {
		base.MinDelayBetweenGroupsMs = s.MinDelayBetweenGroupsMs
	}
	if s.MaxDelayBetweenGroupsMs != 0 {
		base.MaxDelayBetweenGroupsMs = s.MaxDelayBetweenGroupsMs
	}
	return base
}

// Default returns a configuration with the documented defaults applied.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: DatabaseConfig{Path: "wagate.db"},
		Sessions: SessionsConfig{
			StoragePath:           "sessions",
			QRTTLSeconds:          60,
			ReconnectBaseSeconds:  3,
			ReconnectMaxSeconds:   60,
			MaxReconnectAttempts:  20,
			CooloffSeconds:        120,
			ConnectTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute:     10,
			MessagesPerHour:       100,
			MessagesPerDay:        1000,
			MinDelayMs:            2000,
			MaxDelayMs:            5000,
			CooldownAfterMessages: 50,
			CooldownDurationMs:    300000,
		},
		Broadcast: BroadcastConfig{
			BatchSize:     20,
			BatchDelayMs:  60000,
			MaxRecipients: 10000,
		},
		Scraper:   ScraperProfile("balanced"),
		Transport: TransportConfig{Command: "wagate-bridge"},
		MQTT:      MQTTConfig{TopicPrefix: "wagate"},
	}
}

// ScraperProfile returns the named scraper preset. Unknown names fall
// back to the balanced preset.
func ScraperProfile(name string) ScraperConfig {
	switch name {
	case "safe":
		return ScraperConfig{
			Profile:                  "safe",
			MaxScrapesPerDay:         2,
			CooldownBetweenScrapesMn: 240,
			MaxContactsPerScrape:     500,
			ContactsPerBatch:         25,
			BatchSaveDelayMs:         3000,
			MinDelayBetweenGroupsMs:  8000,
			MaxDelayBetweenGroupsMs:  15000,
		}
	case "aggressive":
		return ScraperConfig{
			Profile:                  "aggressive",
			MaxScrapesPerDay:         10,
			CooldownBetweenScrapesMn: 30,
			MaxContactsPerScrape:     5000,
			ContactsPerBatch:         100,
			BatchSaveDelayMs:         500,
			MinDelayBetweenGroupsMs:  2000,
			MaxDelayBetweenGroupsMs:  5000,
		}
	default:
		return ScraperConfig{
			Profile:                  "balanced",
			MaxScrapesPerDay:         5,
			CooldownBetweenScrapesMn: 60,
			MaxContactsPerScrape:     2000,
			ContactsPerBatch:         50,
			BatchSaveDelayMs:         1000,
			MinDelayBetweenGroupsMs:  5000,
			MaxDelayBetweenGroupsMs:  12000,
		}
	}
}

// QRTTL returns the QR validity window as a duration.
func (s SessionsConfig) QRTTL() time.Duration {
	return time.Duration(s.QRTTLSeconds) * time.Second
}
