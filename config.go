package roomsync

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes every component of a session. Zero values take defaults.
type Config struct {
	PollInterval         time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	TypingThrottle   time.Duration
	TypingInactivity time.Duration
	TypingExpiry     time.Duration

	VoiceHeartbeat  time.Duration
	VoiceStaleAfter time.Duration

	CacheRetention     time.Duration
	CacheLimit         int
	SearchHistoryLimit int

	Clock  Clock
	Logger *zerolog.Logger
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 1200 * time.Millisecond
	}
	if c.TypingInactivity == 0 {
		c.TypingInactivity = 3 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 5 * time.Second
	}
	if c.VoiceHeartbeat == 0 {
		c.VoiceHeartbeat = 15 * time.Second
	}
	if c.VoiceStaleAfter == 0 {
		c.VoiceStaleAfter = 45 * time.Second
	}
	if c.CacheRetention == 0 {
		c.CacheRetention = 30 * 24 * time.Hour
	}
	if c.CacheLimit == 0 {
		c.CacheLimit = 50
	}
	if c.SearchHistoryLimit == 0 {
		c.SearchHistoryLimit = 20
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// withDefaults returns a copy of c with zero values filled in.
func (c Config) withDefaults() Config {
	c.defaults()
	return c
}

// ============================================================================
// TOML settings
// ============================================================================

// SyncSettings is the [sync] table of a config file. Durations are in
// milliseconds; zero keeps the default.
type SyncSettings struct {
	PollIntervalMS       int64 `toml:"poll_interval_ms,omitempty"`
	ReconnectBaseMS      int64 `toml:"reconnect_base_ms,omitempty"`
	ReconnectMaxMS       int64 `toml:"reconnect_max_ms,omitempty"`
	MaxReconnectAttempts int   `toml:"max_reconnect_attempts,omitempty"`
	HeartbeatMS          int64 `toml:"heartbeat_ms,omitempty"`
	TypingThrottleMS     int64 `toml:"typing_throttle_ms,omitempty"`
	TypingInactivityMS   int64 `toml:"typing_inactivity_ms,omitempty"`
	TypingExpiryMS       int64 `toml:"typing_expiry_ms,omitempty"`
	VoiceHeartbeatMS     int64 `toml:"voice_heartbeat_ms,omitempty"`
	VoiceStaleMS         int64 `toml:"voice_stale_ms,omitempty"`
	CacheRetentionHours  int64 `toml:"cache_retention_hours,omitempty"`
	CacheLimit           int   `toml:"cache_limit,omitempty"`
	SearchHistoryLimit   int   `toml:"search_history_limit,omitempty"`
}

// Apply copies every non-zero setting onto cfg.
func (s SyncSettings) Apply(cfg *Config) {
	ms := func(dst *time.Duration, v int64) {
		if v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	ms(&cfg.PollInterval, s.PollIntervalMS)
	ms(&cfg.ReconnectBaseDelay, s.ReconnectBaseMS)
	ms(&cfg.ReconnectMaxDelay, s.ReconnectMaxMS)
	ms(&cfg.HeartbeatInterval, s.HeartbeatMS)
	ms(&cfg.TypingThrottle, s.TypingThrottleMS)
	ms(&cfg.TypingInactivity, s.TypingInactivityMS)
	ms(&cfg.TypingExpiry, s.TypingExpiryMS)
	ms(&cfg.VoiceHeartbeat, s.VoiceHeartbeatMS)
	ms(&cfg.VoiceStaleAfter, s.VoiceStaleMS)
	if s.CacheRetentionHours > 0 {
		cfg.CacheRetention = time.Duration(s.CacheRetentionHours) * time.Hour
	}
	if s.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = s.MaxReconnectAttempts
	}
	if s.CacheLimit > 0 {
		cfg.CacheLimit = s.CacheLimit
	}
	if s.SearchHistoryLimit > 0 {
		cfg.SearchHistoryLimit = s.SearchHistoryLimit
	}
}

// Resolve returns the session Config these settings produce, with every
// unset value at its default.
func (s SyncSettings) Resolve() Config {
	var cfg Config
	s.Apply(&cfg)
	cfg.defaults()
	return cfg
}

// ParseConfig reads the [sync] table of a TOML document.
func ParseConfig(data []byte) (Config, error) {
	var doc struct {
		Sync SyncSettings `toml:"sync"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %w", err)
	}
	return doc.Sync.Resolve(), nil
}

// LoadConfigFile reads path. A missing file yields the defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}.withDefaults(), nil
		}
		return Config{}, fmt.Errorf("cannot read config: %w", err)
	}
	return ParseConfig(data)
}
