package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

// ============================================================================
// Config file
// ============================================================================

// Config is the CLI configuration file. The [sync] table is handed to the
// library as is.
type Config struct {
	Default ConfigDefault         `toml:"default"`
	Auth    ConfigAuth            `toml:"auth"`
	Sync    roomsync.SyncSettings `toml:"sync"`
}

// ConfigDefault selects the data source and the local storage backend.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Storage     string `toml:"storage"`
	StoragePath string `toml:"storage_path"`
	RedisAddr   string `toml:"redis_addr"`
}

// ConfigAuth holds the session token and, optionally, the key the data
// source signs it with.
type ConfigAuth struct {
	Token      string `toml:"token"`
	SigningKey string `toml:"signing_key,omitempty"`
}

// configDir is $ROOMSYNC_HOME, or ~/.roomsync. It is created on first use.
func configDir() (string, error) {
	dir := os.Getenv("ROOMSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".roomsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns an empty Config when no file exists yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig replaces the file through a rename so a crash never leaves a
// truncated config behind.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue assigns section.field. Every [sync] field is a
// non-negative integer; 0 restores the library default.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must be section.field (e.g. default.storage)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "storage":
			if !validStorage(value) {
				return fmt.Errorf("unknown storage %q (valid: memory, sqlite, redis)", value)
			}
			cfg.Default.Storage = value
		case "storage_path":
			cfg.Default.StoragePath = value
		case "redis_addr":
			cfg.Default.RedisAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			if value != "" {
				if _, err := roomsync.IdentityFromToken(value); err != nil {
					return err
				}
			}
			cfg.Auth.Token = value
		case "signing_key":
			cfg.Auth.SigningKey = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		return setSyncValue(&cfg.Sync, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync)", section)
	}
	return nil
}

func validStorage(s string) bool {
	switch s {
	case "", "memory", "sqlite", "redis":
		return true
	}
	return false
}

// setSyncValue decodes field into s through the same TOML mapping the file
// uses, so only real SyncSettings keys are accepted.
func setSyncValue(s *roomsync.SyncSettings, field, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("sync.%s must be a non-negative integer, got %q", field, value)
	}
	dec := toml.NewDecoder(strings.NewReader(fmt.Sprintf("%s = %d\n", field, n)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return fmt.Errorf("unknown field %q in section [sync]", field)
	}
	return nil
}

// printConfig writes the effective configuration: defaults filled in,
// secrets redacted, and the [sync] table as the session will run it.
func printConfig(w io.Writer, cfg *Config) {
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "  base_url      %s\n", valueOrDefault(cfg.Default.BaseURL, roomsync.DefaultBaseURL))
	fmt.Fprintf(w, "  storage       %s\n", valueOrDefault(cfg.Default.Storage, "memory"))
	switch cfg.Default.Storage {
	case "sqlite":
		fmt.Fprintf(w, "  storage_path  %s\n", valueOrDefault(cfg.Default.StoragePath, "(config dir)/roomsync.db"))
	case "redis":
		fmt.Fprintf(w, "  redis_addr    %s\n", valueOrDefault(cfg.Default.RedisAddr, "localhost:6379"))
	}

	fmt.Fprintln(w, "[auth]")
	fmt.Fprintf(w, "  token         %s\n", redact(cfg.Auth.Token))
	fmt.Fprintf(w, "  signing_key   %s\n", redact(cfg.Auth.SigningKey))

	eff := cfg.Sync.Resolve()
	fmt.Fprintln(w, "[sync]")
	rows := []struct {
		key string
		val any
	}{
		{"poll_interval_ms", eff.PollInterval},
		{"reconnect_base_ms", eff.ReconnectBaseDelay},
		{"reconnect_max_ms", eff.ReconnectMaxDelay},
		{"max_reconnect_attempts", eff.MaxReconnectAttempts},
		{"heartbeat_ms", eff.HeartbeatInterval},
		{"typing_throttle_ms", eff.TypingThrottle},
		{"typing_inactivity_ms", eff.TypingInactivity},
		{"typing_expiry_ms", eff.TypingExpiry},
		{"voice_heartbeat_ms", eff.VoiceHeartbeat},
		{"voice_stale_ms", eff.VoiceStaleAfter},
		{"cache_retention_hours", eff.CacheRetention},
		{"cache_limit", eff.CacheLimit},
		{"search_history_limit", eff.SearchHistoryLimit},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-24s %v\n", r.key, r.val)
	}
}

func redact(secret string) string {
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "..." + secret[len(secret)-4:]
	}
}

// ============================================================================
// Commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage roomsync configuration",
	Long:  "View or modify the configuration stored in $ROOMSYNC_HOME/config.toml (default ~/.roomsync).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a value by section.field, e.g.\n  roomsync config set default.storage sqlite\n  roomsync config set sync.poll_interval_ms 2000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}
