// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package storystore provides the durable local store of story records for
// offline-first story applications. Records survive process restarts and are
// the only rendezvous point between the application and the background sync
// machinery — the two sides never hold shared in-memory state.
package storystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by point lookups and updates for absent ids.
var ErrNotFound = errors.New("storystore: record not found")

// timeLayout is a fixed-width UTC layout so stored timestamps compare
// correctly as text in SQL.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store is a SQLite-backed durable store of StoryRecord rows plus a small
// key/value slot for auth state. Writes serialize through writeMu to avoid
// SQLite locking issues under concurrent tasks.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open opens (creating if needed) the store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open story database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stories (
			id                  TEXT NOT NULL PRIMARY KEY,
			name                TEXT NOT NULL DEFAULT '',
			description         TEXT NOT NULL,
			photo_url           TEXT NOT NULL DEFAULT '',
			photo_type          TEXT NOT NULL DEFAULT '',
			photo_name          TEXT NOT NULL DEFAULT '',
			lat                 REAL,
			lon                 REAL,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,
			is_offline          INTEGER NOT NULL DEFAULT 0,
			is_syncing          INTEGER NOT NULL DEFAULT 0,
			sync_started_at     TEXT,
			synced_at           TEXT,
			sync_failed         INTEGER NOT NULL DEFAULT 0,
			sync_error          TEXT NOT NULL DEFAULT '',
			sync_attempts       INTEGER NOT NULL DEFAULT 0,
			sync_method         TEXT NOT NULL DEFAULT '',
			last_sync_attempt   TEXT,
			cached_at           TEXT,
			original_offline_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_created_at ON stories(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_is_offline ON stories(is_offline)`,

		// Token slot and other small persistent values readable by the app
		// without touching the stories table.
		`CREATE TABLE IF NOT EXISTS app_state (
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create story tables: %w", err)
		}
	}
	return nil
}

// NewOfflineID generates a locally unique id for a story authored without
// connectivity. The prefix marks the record as not yet server-accepted.
func NewOfflineID(now time.Time) string {
	return fmt.Sprintf("offline_%d_%s", now.UnixMilli(), uuid.New().String()[:8])
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry plain RFC3339 written by other tooling.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

const recordColumns = `id, name, description, photo_url, photo_type, photo_name,
	lat, lon, created_at, updated_at, is_offline, is_syncing, sync_started_at,
	synced_at, sync_failed, sync_error, sync_attempts, sync_method,
	last_sync_attempt, cached_at, original_offline_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*StoryRecord, error) {
	var r StoryRecord
	var lat, lon sql.NullFloat64
	var createdAt, updatedAt string
	var syncStartedAt, syncedAt, lastSyncAttempt, cachedAt sql.NullString
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.PhotoURL, &r.PhotoType, &r.PhotoName,
		&lat, &lon, &createdAt, &updatedAt, &r.IsOffline, &r.IsSyncing,
		&syncStartedAt, &syncedAt, &r.SyncFailed, &r.SyncError, &r.SyncAttempts,
		&r.SyncMethod, &lastSyncAttempt, &cachedAt, &r.OriginalOfflineID,
	)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		r.Lat = &lat.Float64
	}
	if lon.Valid {
		r.Lon = &lon.Float64
	}
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to decode created_at: %w", err)
	}
	if r.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to decode updated_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{syncStartedAt, &r.SyncStartedAt},
		{syncedAt, &r.SyncedAt},
		{lastSyncAttempt, &r.LastSyncAttempt},
		{cachedAt, &r.CachedAt},
	} {
		if f.src.Valid {
			t, err := decodeTime(f.src.String)
			if err != nil {
				return nil, fmt.Errorf("failed to decode timestamp: %w", err)
			}
			*f.dst = &t
		}
	}
	return &r, nil
}

func latArg(r *StoryRecord) any {
	if r.Lat == nil {
		return nil
	}
	return *r.Lat
}

func lonArg(r *StoryRecord) any {
	if r.Lon == nil {
		return nil
	}
	return *r.Lon
}

func execPut(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, r *StoryRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stories (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			photo_url = excluded.photo_url,
			photo_type = excluded.photo_type,
			photo_name = excluded.photo_name,
			lat = excluded.lat,
			lon = excluded.lon,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			is_offline = excluded.is_offline,
			is_syncing = excluded.is_syncing,
			sync_started_at = excluded.sync_started_at,
			synced_at = excluded.synced_at,
			sync_failed = excluded.sync_failed,
			sync_error = excluded.sync_error,
			sync_attempts = excluded.sync_attempts,
			sync_method = excluded.sync_method,
			last_sync_attempt = excluded.last_sync_attempt,
			cached_at = excluded.cached_at,
			original_offline_id = excluded.original_offline_id
	`,
		r.ID, r.Name, r.Description, r.PhotoURL, r.PhotoType, r.PhotoName,
		latArg(r), lonArg(r), encodeTime(r.CreatedAt), encodeTime(r.UpdatedAt),
		r.IsOffline, r.IsSyncing, encodeTimePtr(r.SyncStartedAt),
		encodeTimePtr(r.SyncedAt), r.SyncFailed, r.SyncError, r.SyncAttempts,
		r.SyncMethod, encodeTimePtr(r.LastSyncAttempt), encodeTimePtr(r.CachedAt),
		r.OriginalOfflineID,
	)
	return err
}

// Put inserts or overwrites the record by id.
func (s *Store) Put(ctx context.Context, r *StoryRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := execPut(ctx, s.db, r); err != nil {
		return fmt.Errorf("failed to put story %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*StoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM stories WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get story %s: %w", id, err)
	}
	return r, nil
}

// GetAll returns every record. Callers that need ordering sort by CreatedAt.
func (s *Store) GetAll(ctx context.Context) ([]*StoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM stories`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories: %w", err)
	}
	defer rows.Close()
	var out []*StoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stories: %w", err)
	}
	return out, nil
}

// PendingSync returns records awaiting upload, oldest first.
func (s *Store) PendingSync(ctx context.Context) ([]*StoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM stories
		WHERE is_offline = 1 AND is_syncing = 0 AND synced_at IS NULL AND sync_failed = 0
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending stories: %w", err)
	}
	defer rows.Close()
	var out []*StoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending story: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending stories: %w", err)
	}
	return out, nil
}

// Update applies patch to the record with the given id inside a single
// transaction: read, shallow-merge, bump sync_attempts, write. When the patch
// re-keys the record (server-assigned id after sync) the old row is replaced
// and the prior id retained as original_offline_id. Returns ErrNotFound for
// absent ids — callers must not race a delete against an update.
func (s *Store) Update(ctx context.Context, id string, patch StoryPatch) (*StoryRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM stories WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read story %s for update: %w", id, err)
	}

	now := time.Now()
	patch.apply(r, now)

	if patch.ID != nil && *patch.ID != id {
		r.OriginalOfflineID = id
		r.ID = *patch.ID
		s.logger.Info("story re-keyed after sync", "old_id", id, "new_id", r.ID)
		if _, err := tx.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to drop old story id %s: %w", id, err)
		}
	}

	if err := execPut(ctx, tx, r); err != nil {
		return nil, fmt.Errorf("failed to write updated story %s: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit story update: %w", err)
	}
	return r, nil
}

// Delete removes a record by id. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete story %s: %w", id, err)
	}
	return nil
}

// FindDuplicate returns an offline record whose description matches exactly
// and whose creation time is within window of createdAt, or nil. Used before
// saving an offline story to avoid double submission of the same content.
func (s *Store) FindDuplicate(ctx context.Context, description string, createdAt time.Time, window time.Duration) (*StoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM stories WHERE is_offline = 1 AND description = ?
	`, description)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan duplicate candidate: %w", err)
		}
		d := createdAt.Sub(r.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d < window {
			return r, nil
		}
	}
	return nil, rows.Err()
}

// SetMeta stores a small persistent value (e.g. the auth token) by key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set app state %q: %w", key, err)
	}
	return nil
}

// GetMeta returns the stored value for key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get app state %q: %w", key, err)
	}
	return v, nil
}

// DeleteMeta removes a stored value. Absent keys are a no-op.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete app state %q: %w", key, err)
	}
	return nil
}
