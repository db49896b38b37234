// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-storysync/storystore"
)

// fakeAPI is an httptest-backed story API with scriptable create behavior.
type fakeAPI struct {
	mu           sync.Mutex
	stories      []Story
	createStatus int // 0 means success
	createCalls  int
	listCalls    int
	lastPhoto    []byte
	nextID       int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stories", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listCalls++
		writeJSON(w, http.StatusOK, map[string]any{"error": false, "listStory": f.stories})
	})
	mux.HandleFunc("POST /stories", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createCalls++
		if f.createStatus != 0 {
			writeJSON(w, f.createStatus, map[string]any{"error": true, "message": "create rejected"})
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "bad form"})
			return
		}
		if file, _, err := r.FormFile("photo"); err == nil {
			f.lastPhoto, _ = io.ReadAll(file)
			file.Close()
		}
		f.nextID++
		story := Story{
			ID:          fmt.Sprintf("srv-%d", f.nextID),
			Description: r.FormValue("description"),
			PhotoURL:    "https://photos.example.com/srv.jpg",
			CreatedAt:   time.Now(),
		}
		f.stories = append(f.stories, story)
		writeJSON(w, http.StatusCreated, map[string]any{"error": false, "story": story})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newReconcilerFixture(t *testing.T, api *fakeAPI) (*Reconciler, *storystore.Store) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	store, err := storystore.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	client := NewClient(srv.URL, func(context.Context) (string, error) { return "test-token", nil }, nil)
	return NewReconciler(store, client, DefaultConfig(), nil), store
}

func pendingStory(t *testing.T, store *storystore.Store, description string) *storystore.StoryRecord {
	t.Helper()
	now := time.Now()
	rec := &storystore.StoryRecord{
		ID:          storystore.NewOfflineID(now),
		Description: description,
		PhotoURL:    EncodeDataURL("image/jpeg", []byte("jpeg-bytes")),
		PhotoType:   "image/jpeg",
		CreatedAt:   now,
		IsOffline:   true,
	}
	require.NoError(t, store.Put(context.Background(), rec))
	return rec
}

func TestSyncNoPendingIsZeroSummary(t *testing.T) {
	api := &fakeAPI{}
	rec, _ := newReconcilerFixture(t, api)

	sum, err := rec.SyncOfflineStories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Equal(t, 0, api.createCalls)
	assert.Equal(t, 0, api.listCalls)
}

func TestSyncUploadsPendingStory(t *testing.T) {
	api := &fakeAPI{}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()
	pending := pendingStory(t, store, "A walk in the park")

	sum, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Synced: 1}, sum)
	assert.Equal(t, 1, api.createCalls)
	assert.Equal(t, []byte("jpeg-bytes"), api.lastPhoto, "photo recovered from data url")

	// The record now lives under the server id with the offline id retained.
	_, err = store.Get(ctx, pending.ID)
	assert.ErrorIs(t, err, storystore.ErrNotFound)
	got, err := store.Get(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, got.IsOffline)
	assert.False(t, got.IsSyncing)
	require.NotNil(t, got.SyncedAt)
	assert.Equal(t, pending.ID, got.OriginalOfflineID)
	assert.Equal(t, "api_sync", got.SyncMethod)
}

func TestSyncDuplicateDetectionSkipsUpload(t *testing.T) {
	lat, lon := -6.2001, 106.8001
	now := time.Now()
	api := &fakeAPI{stories: []Story{{
		ID:          "srv-match",
		Description: "Sunset at the beach",
		Lat:         &lat,
		Lon:         &lon,
		CreatedAt:   now.Add(-2 * time.Minute),
	}}}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()

	recLat, recLon := -6.20005, 106.80005 // within 0.0001 degrees
	rec := &storystore.StoryRecord{
		ID:          storystore.NewOfflineID(now),
		Description: "Sunset at the beach",
		Lat:         &recLat,
		Lon:         &recLon,
		CreatedAt:   now,
		IsOffline:   true,
	}
	require.NoError(t, store.Put(ctx, rec))

	sum, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, sum)
	assert.Equal(t, 0, api.createCalls, "duplicate must not be uploaded")

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOffline)
	require.NotNil(t, got.SyncedAt)
	assert.Equal(t, "detected_existing", got.SyncMethod)
}

func TestSyncNoDuplicateWhenContentDiffers(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		remote Story
	}{
		{"different description", Story{ID: "s", Description: "other text", CreatedAt: now}},
		{"too old", Story{ID: "s", Description: "same text", CreatedAt: now.Add(-10 * time.Minute)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{stories: []Story{tt.remote}}
			r, store := newReconcilerFixture(t, api)
			rec := &storystore.StoryRecord{
				ID:          storystore.NewOfflineID(now),
				Description: "same text",
				CreatedAt:   now,
				IsOffline:   true,
			}
			require.NoError(t, store.Put(context.Background(), rec))

			sum, err := r.SyncOfflineStories(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Summary{Synced: 1}, sum)
			assert.Equal(t, 1, api.createCalls)
		})
	}
}

func TestSync503LeavesRecordRetryable(t *testing.T) {
	api := &fakeAPI{createStatus: http.StatusServiceUnavailable}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()
	rec := pendingStory(t, store, "transient failure")

	sum, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, sum)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOffline)
	assert.False(t, got.IsSyncing)
	assert.False(t, got.SyncFailed)
	assert.Nil(t, got.SyncedAt)
	assert.NotNil(t, got.LastSyncAttempt)
	assert.True(t, got.IsPendingSync(), "503 keeps the record eligible for the next pass")
}

func TestSyncPermanentFailureMarksRecord(t *testing.T) {
	api := &fakeAPI{createStatus: http.StatusBadRequest}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()
	rec := pendingStory(t, store, "permanent failure")

	sum, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncFailed)
	assert.Contains(t, got.SyncError, "create rejected")
	assert.False(t, got.IsPendingSync(), "failed record leaves the pending view")

	// Next pass must not touch it again.
	api.createStatus = 0
	sum, err = r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Equal(t, 1, api.createCalls)
}

func TestSyncHealsStuckLockThenUploads(t *testing.T) {
	api := &fakeAPI{}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()

	now := time.Now()
	rec := &storystore.StoryRecord{
		ID:          storystore.NewOfflineID(now),
		Description: "was stuck",
		CreatedAt:   now.Add(-time.Hour),
		IsOffline:   true,
		IsSyncing:   true,
	}
	started := now.Add(-time.Hour)
	rec.SyncStartedAt = &started
	require.NoError(t, store.Put(ctx, rec))

	sum, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Synced: 1}, sum, "stuck lock is broken by the pre-pass and the record syncs")
}

func TestSyncLockedRecordNotUploaded(t *testing.T) {
	api := &fakeAPI{}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()

	now := time.Now()
	rec := &storystore.StoryRecord{
		ID:          storystore.NewOfflineID(now),
		Description: "in flight elsewhere",
		CreatedAt:   now,
		IsOffline:   true,
		IsSyncing:   true,
	}
	started := now.Add(-time.Minute) // well within the stuck threshold
	rec.SyncStartedAt = &started
	require.NoError(t, store.Put(ctx, rec))

	sum, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Equal(t, 0, api.createCalls, "locked record is invisible to the pass")
}

func TestSyncPurgesOldFailuresInPrePass(t *testing.T) {
	api := &fakeAPI{}
	r, store := newReconcilerFixture(t, api)
	ctx := context.Background()

	now := time.Now()
	rec := &storystore.StoryRecord{
		ID:          storystore.NewOfflineID(now),
		Description: "gave up long ago",
		CreatedAt:   now.Add(-3 * time.Hour),
		IsOffline:   true,
		SyncFailed:  true,
	}
	attempt := now.Add(-2 * time.Hour)
	rec.LastSyncAttempt = &attempt
	require.NoError(t, store.Put(ctx, rec))

	_, err := r.SyncOfflineStories(ctx)
	require.NoError(t, err)
	_, err = store.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, storystore.ErrNotFound)
}

func TestDataURLRoundTrip(t *testing.T) {
	url := EncodeDataURL("image/png", []byte{0x89, 0x50, 0x4e, 0x47})
	assert.True(t, IsDataURL(url))
	mime, data, err := DecodeDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, data)
}

func TestDecodeDataURLRejectsGarbage(t *testing.T) {
	for _, s := range []string{"http://example.com/a.png", "data:image/png", "data:image/png;base64,%%%"} {
		_, _, err := DecodeDataURL(s)
		assert.Error(t, err, s)
	}
}
