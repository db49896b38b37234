// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// contentMatchWindow bounds how far apart two creation timestamps can be
	// for a cached row and an incoming server story to be treated as the same
	// story during a refresh merge.
	contentMatchWindow = time.Minute

	syncMethodAPICache = "api_cache"
)

// CacheRemote replaces the cached (non-offline) portion of the store with the
// given server stories. Offline-authored rows are never touched, and rows
// synced within grace are protected so a stale concurrent list refresh cannot
// wipe a just-synced record. Incoming stories are merged with existing rows
// matched by id or by content (same description, created within a minute).
func (s *Store) CacheRemote(ctx context.Context, stories []*StoryRecord, grace time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache refresh tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := getAllInTx(ctx, tx)
	if err != nil {
		return err
	}

	now := time.Now()
	cutoff := encodeTime(now.Add(-grace))
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM stories
		WHERE is_offline = 0 AND (synced_at IS NULL OR synced_at < ?)
	`, cutoff); err != nil {
		return fmt.Errorf("failed to clear cached stories: %w", err)
	}

	for _, story := range stories {
		merged := *story
		if prior := matchExisting(existing, story); prior != nil {
			merged.SyncAttempts = prior.SyncAttempts
			merged.OriginalOfflineID = prior.OriginalOfflineID
			merged.SyncMethod = prior.SyncMethod
			if prior.SyncedAt != nil {
				merged.SyncedAt = prior.SyncedAt
			}
		}
		merged.IsOffline = false
		merged.IsSyncing = false
		merged.SyncFailed = false
		merged.SyncError = ""
		cachedAt := now
		merged.CachedAt = &cachedAt
		if merged.SyncedAt == nil {
			syncedAt := now
			merged.SyncedAt = &syncedAt
		}
		if merged.SyncMethod == "" {
			merged.SyncMethod = syncMethodAPICache
		}
		merged.UpdatedAt = now
		if err := merged.Validate(); err != nil {
			return fmt.Errorf("refusing to cache invalid story: %w", err)
		}
		if err := execPut(ctx, tx, &merged); err != nil {
			return fmt.Errorf("failed to cache story %s: %w", merged.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache refresh: %w", err)
	}
	return nil
}

func matchExisting(existing []*StoryRecord, story *StoryRecord) *StoryRecord {
	for _, prior := range existing {
		if prior.ID == story.ID {
			return prior
		}
		if prior.Description == story.Description {
			d := prior.CreatedAt.Sub(story.CreatedAt)
			if d < 0 {
				d = -d
			}
			if d < contentMatchWindow {
				return prior
			}
		}
	}
	return nil
}

func getAllInTx(ctx context.Context, tx *sql.Tx) ([]*StoryRecord, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+recordColumns+` FROM stories`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories for refresh: %w", err)
	}
	defer rows.Close()
	var out []*StoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story for refresh: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetStuckSyncing clears the isSyncing lock on records whose sync attempt
// started longer than threshold ago. A crashed upload attempt cannot clear
// its own lock, so the next sync pass heals it here. Returns the number of
// records reset.
func (s *Store) ResetStuckSyncing(ctx context.Context, threshold time.Duration) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := encodeTime(time.Now().Add(-threshold))
	res, err := s.db.ExecContext(ctx, `
		UPDATE stories
		SET is_syncing = 0, sync_started_at = NULL, updated_at = ?
		WHERE is_syncing = 1 AND sync_started_at IS NOT NULL AND sync_started_at < ?
	`, encodeTime(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck syncing stories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("reset stuck syncing stories", "count", n)
	}
	return int(n), nil
}

// PurgeFailed removes records whose sync failed permanently and whose last
// attempt is older than retention. Returns the number of records removed.
func (s *Store) PurgeFailed(ctx context.Context, retention time.Duration) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := encodeTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stories
		WHERE sync_failed = 1 AND last_sync_attempt IS NOT NULL AND last_sync_attempt < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed stories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged permanently failed stories", "count", n)
	}
	return int(n), nil
}

// PurgeSyncedCached removes cached (non-offline) records synced longer than
// grace ago, so a story that exists both under its offline id and its server
// id does not linger under two ids after a sync pass. Returns the number of
// records removed.
func (s *Store) PurgeSyncedCached(ctx context.Context, grace time.Duration) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := encodeTime(time.Now().Add(-grace))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stories
		WHERE is_offline = 0 AND synced_at IS NOT NULL AND synced_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced stories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged old synced stories", "count", n)
	}
	return int(n), nil
}

// CountByState returns store statistics grouped by sync state.
func (s *Store) CountByState(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(is_offline = 1 AND is_syncing = 0 AND synced_at IS NULL AND sync_failed = 0), 0),
			COALESCE(SUM(is_offline = 0), 0),
			COALESCE(SUM(is_syncing = 1), 0),
			COALESCE(SUM(sync_failed = 1), 0)
		FROM stories
	`).Scan(&st.Total, &st.Pending, &st.Cached, &st.Syncing, &st.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count stories: %w", err)
	}
	return st, nil
}
