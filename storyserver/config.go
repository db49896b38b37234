// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the story API server settings.
type Config struct {
	// Addr is the listen address.
	Addr string `env:"STORYSERVER_ADDR"`

	// DatabaseURL is the Postgres connection string. Empty selects the
	// in-memory store.
	DatabaseURL string `env:"STORYSERVER_DATABASE_URL"`

	// JWTSecret signs login tokens.
	JWTSecret string `env:"STORYSERVER_JWT_SECRET"`

	// TokenTTL bounds login token lifetime.
	TokenTTL time.Duration `env:"STORYSERVER_TOKEN_TTL"`

	// MaxPhotoBytes caps uploaded photo size. Larger uploads are rejected
	// with 413.
	MaxPhotoBytes int64 `env:"STORYSERVER_MAX_PHOTO_BYTES"`

	// MinPasswordLen is the minimum accepted password length.
	MinPasswordLen int `env:"STORYSERVER_MIN_PASSWORD_LEN"`
}

// DefaultConfig returns the default server settings; JWTSecret must still be
// set for production use.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8080",
		TokenTTL:       24 * time.Hour,
		MaxPhotoBytes:  1 << 20,
		MinPasswordLen: 8,
	}
}

// FromEnv overlays environment variables onto the default config.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse server config from env: %w", err)
	}
	return cfg, nil
}
