// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the background interception layer of an
// offline-first story application: an http.RoundTripper that classifies
// every outgoing request by URL shape, applies a caching strategy
// (network-first, cache-first with bounded retry, stale-while-revalidate,
// network-only), and guarantees the caller always receives a usable
// response, even fully offline with no cache hit.
//
// The cache tiers persist in SQLite. The application context and the
// interception layer never share memory; they rendezvous only through this
// persisted state, mirroring the page/worker split of the hosting platform.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Category tracks image-tier entries for independent eviction caps.
type Category string

const (
	CategoryStoryImage Category = "story-image"
	CategoryMapTile    Category = "map-tile"
	CategoryOther      Category = "other"
)

// CachedResponse is one stored HTTP response: status, headers, and body at
// the time it was stored. Last write wins per (cache, URL) key.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// StorageConfig bounds the image tier. The caps are policy defaults, not
// correctness invariants.
type StorageConfig struct {
	MaxStoryImages int
	MaxMapTiles    int
}

// DefaultStorageConfig returns the default eviction caps.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		MaxStoryImages: 100,
		MaxMapTiles:    200,
	}
}

// Storage is a set of named HTTP response caches backed by one SQLite
// database. Entries are keyed by (cache name, URL); insertion order is
// retained across overwrites so eviction can drop the oldest entries first.
type Storage struct {
	db      *sql.DB
	config  *StorageConfig
	logger  *slog.Logger
	writeMu sync.Mutex
}

// OpenStorage opens (creating if needed) cache storage at path. Use
// ":memory:" in tests.
func OpenStorage(path string, config *StorageConfig, logger *slog.Logger) (*Storage, error) {
	if config == nil {
		config = DefaultStorageConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS http_cache (
			cache_name TEXT NOT NULL,
			url        TEXT NOT NULL,
			status     INTEGER NOT NULL,
			headers    TEXT NOT NULL,
			body       BLOB NOT NULL,
			category   TEXT NOT NULL DEFAULT 'other',
			stored_at  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			PRIMARY KEY (cache_name, url)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_http_cache_category ON http_cache(cache_name, category, seq)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	return &Storage{db: db, config: config, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Match looks up a stored response. The second return is false on miss.
func (s *Storage) Match(ctx context.Context, cache, url string) (*CachedResponse, bool, error) {
	var status int
	var headers string
	var body []byte
	var storedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT status, headers, body, stored_at FROM http_cache
		WHERE cache_name = ? AND url = ?
	`, cache, url).Scan(&status, &headers, &body, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to match cache entry: %w", err)
	}
	res := &CachedResponse{Status: status, Body: body, Header: http.Header{}}
	if err := json.Unmarshal([]byte(headers), &res.Header); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached headers: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, storedAt); err == nil {
		res.StoredAt = t
	}
	return res, true, nil
}

// Put stores a response under (cache, url), overwriting any prior entry
// while keeping its original insertion order. Category caps are enforced
// immediately: when a tracked category exceeds its cap, the oldest entries
// are evicted.
func (s *Storage) Put(ctx context.Context, cache, url string, res *CachedResponse, category Category) error {
	headers, err := json.Marshal(res.Header)
	if err != nil {
		return fmt.Errorf("failed to encode response headers: %w", err)
	}
	storedAt := res.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache put tx: %w", err)
	}
	defer tx.Rollback()

	var nextSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM http_cache`).Scan(&nextSeq); err != nil {
		return fmt.Errorf("failed to allocate cache seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO http_cache (cache_name, url, status, headers, body, category, stored_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			category = excluded.category,
			stored_at = excluded.stored_at
	`, cache, url, res.Status, string(headers), res.Body, string(category),
		storedAt.UTC().Format(time.RFC3339Nano), nextSeq); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	if limit := s.capFor(category); limit > 0 {
		if err := s.evictOldest(ctx, tx, cache, category, limit); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache put: %w", err)
	}
	return nil
}

func (s *Storage) capFor(category Category) int {
	switch category {
	case CategoryStoryImage:
		return s.config.MaxStoryImages
	case CategoryMapTile:
		return s.config.MaxMapTiles
	default:
		return 0
	}
}

func (s *Storage) evictOldest(ctx context.Context, tx *sql.Tx, cache string, category Category, max int) error {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM http_cache
		WHERE cache_name = ? AND category = ? AND (cache_name, url) NOT IN (
			SELECT cache_name, url FROM http_cache
			WHERE cache_name = ? AND category = ?
			ORDER BY seq DESC LIMIT ?
		)
	`, cache, string(category), cache, string(category), max)
	if err != nil {
		return fmt.Errorf("failed to evict old %s entries: %w", category, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("evicted cache entries", "cache", cache, "category", category, "count", n)
	}
	return nil
}

// Delete removes one entry; absent entries are a no-op.
func (s *Storage) Delete(ctx context.Context, cache, url string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM http_cache WHERE cache_name = ? AND url = ?`, cache, url); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Keys returns the URLs stored in a cache, oldest first.
func (s *Storage) Keys(ctx context.Context, cache string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM http_cache WHERE cache_name = ? ORDER BY seq`, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// CountCategory returns how many entries of a category a cache holds.
func (s *Storage) CountCategory(ctx context.Context, cache string, category Category) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM http_cache WHERE cache_name = ? AND category = ?
	`, cache, string(category)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// Activate deletes every cache whose name is not in keep. Called on startup
// so tiers named for a previous version disappear.
func (s *Storage) Activate(ctx context.Context, keep []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, name := range keep {
		args[i] = name
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM http_cache WHERE cache_name NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to drop old cache versions: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("dropped entries from old cache versions", "count", n)
	}
	return nil
}
