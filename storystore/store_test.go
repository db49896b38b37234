// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storystore

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func offlineRecord(id, description string, createdAt time.Time) *StoryRecord {
	return &StoryRecord{
		ID:          id,
		Description: description,
		PhotoURL:    "data:image/jpeg;base64,aGVsbG8=",
		PhotoType:   "image/jpeg",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		IsOffline:   true,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lat, lon := -6.2, 106.8
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	rec := offlineRecord("offline_1_abc", "Sunset at the beach", created)
	rec.Lat = &lat
	rec.Lon = &lon

	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "offline_1_abc")
	require.NoError(t, err)
	assert.Equal(t, "Sunset at the beach", got.Description)
	assert.True(t, got.IsOffline)
	require.NotNil(t, got.Lat)
	assert.InDelta(t, lat, *got.Lat, 1e-9)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.IsPendingSync())
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateRejectsBadRecords(t *testing.T) {
	now := time.Now()
	lat := 1.0
	tests := []struct {
		name string
		rec  StoryRecord
	}{
		{"missing id", StoryRecord{Description: "d", CreatedAt: now}},
		{"missing description", StoryRecord{ID: "x", CreatedAt: now}},
		{"missing createdAt", StoryRecord{ID: "x", Description: "d"}},
		{"lat without lon", StoryRecord{ID: "x", Description: "d", CreatedAt: now, Lat: &lat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.rec.Validate())
		})
	}
}

func TestPutOverwritesById(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Put(ctx, offlineRecord("id1", "first", now)))
	require.NoError(t, s.Put(ctx, offlineRecord("id1", "second", now)))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Description)
}

func TestUpdateMergesAndCountsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Put(ctx, offlineRecord("id1", "story", now)))

	syncing := true
	started := now
	upd, err := s.Update(ctx, "id1", StoryPatch{IsSyncing: &syncing, SyncStartedAt: &started})
	require.NoError(t, err)
	assert.True(t, upd.IsSyncing)
	require.NotNil(t, upd.SyncStartedAt)
	assert.Equal(t, 1, upd.SyncAttempts)
	assert.False(t, upd.IsPendingSync())

	notSyncing := false
	upd, err = s.Update(ctx, "id1", StoryPatch{IsSyncing: &notSyncing, ClearSyncStartedAt: true})
	require.NoError(t, err)
	assert.False(t, upd.IsSyncing)
	assert.Nil(t, upd.SyncStartedAt)
	assert.Equal(t, 2, upd.SyncAttempts)
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), "missing", StoryPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateReKeysRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Put(ctx, offlineRecord("offline_1_abc", "story", now)))

	newID := "story-xyz"
	online := false
	syncedAt := now
	upd, err := s.Update(ctx, "offline_1_abc", StoryPatch{
		ID:        &newID,
		IsOffline: &online,
		SyncedAt:  &syncedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "story-xyz", upd.ID)
	assert.Equal(t, "offline_1_abc", upd.OriginalOfflineID)
	assert.False(t, upd.IsOffline)

	// Old id must be gone, new id present — never both.
	_, err = s.Get(ctx, "offline_1_abc")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, "story-xyz")
	require.NoError(t, err)
	require.NotNil(t, got.SyncedAt)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, offlineRecord("id1", "story", time.Now())))
	require.NoError(t, s.Delete(ctx, "id1"))
	require.NoError(t, s.Delete(ctx, "id1"))
	_, err := s.Get(ctx, "id1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingSyncPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	pending := offlineRecord("p1", "pending", now)
	require.NoError(t, s.Put(ctx, pending))

	locked := offlineRecord("p2", "locked", now)
	locked.IsSyncing = true
	require.NoError(t, s.Put(ctx, locked))

	synced := offlineRecord("p3", "synced", now)
	syncedAt := now
	synced.SyncedAt = &syncedAt
	require.NoError(t, s.Put(ctx, synced))

	failed := offlineRecord("p4", "failed", now)
	failed.SyncFailed = true
	require.NoError(t, s.Put(ctx, failed))

	cached := offlineRecord("p5", "cached", now)
	cached.IsOffline = false
	require.NoError(t, s.Put(ctx, cached))

	got, err := s.PendingSync(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}

func TestFindDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, s.Put(ctx, offlineRecord("id1", "same text", base)))

	dup, err := s.FindDuplicate(ctx, "same text", base.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, "id1", dup.ID)

	dup, err = s.FindDuplicate(ctx, "same text", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, dup)

	dup, err = s.FindDuplicate(ctx, "other text", base, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestGetAllOrderIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, offlineRecord(id, "story "+id, now)))
	}
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestMetaSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetMeta(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMeta(ctx, "token", "abc123"))
	v, err := s.GetMeta(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)

	require.NoError(t, s.SetMeta(ctx, "token", "def456"))
	v, err = s.GetMeta(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "def456", v)

	require.NoError(t, s.DeleteMeta(ctx, "token"))
	_, err = s.GetMeta(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewOfflineID(t *testing.T) {
	id := NewOfflineID(time.Now())
	assert.True(t, IsOfflineID(id))
	assert.True(t, strings.HasPrefix(id, "offline_"))
	assert.NotEqual(t, id, NewOfflineID(time.Now()))
}
