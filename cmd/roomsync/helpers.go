package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/LuminPulse-AI/roomsync"
)

// env is the loaded configuration plus the identity behind its token.
type env struct {
	cfg  *Config
	id   roomsync.Identity
	sync roomsync.Config
}

// loadEnv loads the config file and decodes the stored token.
func loadEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token, run 'roomsync init <token>' first")
	}
	id, err := tokenIdentity(cfg.Auth)
	if err != nil {
		return nil, err
	}
	var syncCfg roomsync.Config
	cfg.Sync.Apply(&syncCfg)
	syncCfg.Logger = &log.Logger
	return &env{cfg: cfg, id: id, sync: syncCfg}, nil
}

// tokenIdentity decodes the session token, verifying its signature when a
// signing key is configured.
func tokenIdentity(auth ConfigAuth) (roomsync.Identity, error) {
	if auth.SigningKey != "" {
		return roomsync.VerifyToken(auth.Token, []byte(auth.SigningKey))
	}
	return roomsync.IdentityFromToken(auth.Token)
}

// client creates a data-source client authenticated with the stored token.
func (e *env) client() *roomsync.Client {
	var opts []roomsync.ClientOption
	if e.cfg.Default.BaseURL != "" {
		opts = append(opts, roomsync.WithBaseURL(e.cfg.Default.BaseURL))
	}
	return roomsync.NewClient(e.cfg.Auth.Token, opts...)
}

// openStorage opens the configured storage backend. The returned func
// releases it.
func openStorage(ctx context.Context, cfg *Config) (roomsync.Storage, func(), error) {
	switch cfg.Default.Storage {
	case "", "memory":
		return roomsync.NewMemoryStorage(), func() {}, nil
	case "sqlite":
		path := cfg.Default.StoragePath
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "roomsync.db")
		}
		s, err := roomsync.OpenSQLiteStorage(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		addr := cfg.Default.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		s := roomsync.NewRedisStorage(addr, "roomsync:")
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q (valid: memory, sqlite, redis)", cfg.Default.Storage)
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
