// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the interception layer's policy. Cache tier names derive
// from Version so a version bump invalidates everything a previous build
// stored.
type Config struct {
	// APIBaseURL is the remote story API root, e.g.
	// "https://story-api.example.dev/v1".
	APIBaseURL string `env:"GATEWAY_API_BASE_URL"`

	// TileHosts are map tile provider host suffixes, matched against the
	// request host.
	TileHosts []string `env:"GATEWAY_TILE_HOSTS" envSeparator:","`

	// Version suffixes the cache tier names.
	Version string `env:"GATEWAY_CACHE_VERSION"`

	// ShellURL is the cached app shell document served to navigations that
	// cannot be satisfied any other way.
	ShellURL string `env:"GATEWAY_SHELL_URL"`

	// PlaceholderURL is the default story image used when an image cannot be
	// fetched. It is pre-cached by InstallShell.
	PlaceholderURL string `env:"GATEWAY_PLACEHOLDER_URL"`

	// MaxAttempts bounds cache-first fetch retries; BackoffBase is the first
	// retry delay, doubling per attempt.
	MaxAttempts int           `env:"GATEWAY_MAX_ATTEMPTS"`
	BackoffBase time.Duration `env:"GATEWAY_BACKOFF_BASE"`
}

// DefaultConfig returns a config with the standard policy; APIBaseURL must
// still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		TileHosts:   []string{"tile.openstreetmap.org"},
		Version:     "v2",
		ShellURL:    "/index.html",
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
	}
}

// FromEnv overlays environment variables onto the default config.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config from env: %w", err)
	}
	return cfg, nil
}

// Cache tier names. Old-versioned tiers are dropped by Activate.
func (c *Config) shellCache() string { return "storyapp-shell-" + c.Version }
func (c *Config) apiCache() string   { return "storyapp-api-" + c.Version }
func (c *Config) imageCache() string { return "storyapp-images-" + c.Version }

// CacheNames lists the tier names for the configured version.
func (c *Config) CacheNames() []string {
	return []string{c.shellCache(), c.apiCache(), c.imageCache()}
}
