// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mobiletoly/go-storysync/storystore"
)

const (
	syncMethodAPISync  = "api_sync"
	syncMethodDetected = "detected_existing"
)

// Summary tallies one reconciliation pass.
type Summary struct {
	Synced  int
	Failed  int
	Skipped int
}

// Reconciler moves offline-authored records to confirmed-synced state by
// uploading them to the remote API, with duplicate detection so a record
// that already made it to the server is never submitted twice.
//
// Records are processed strictly sequentially. That bounds load on the
// remote API and keeps duplicate detection trivially consistent; per-record
// mutual exclusion is still enforced through the isSyncing lock so a second
// overlapping pass cannot double-upload.
type Reconciler struct {
	store  *storystore.Store
	api    *Client
	config *Config
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the given store and API client.
func NewReconciler(store *storystore.Store, api *Client, config *Config, logger *slog.Logger) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, api: api, config: config, logger: logger}
}

// SyncOfflineStories runs one reconciliation pass and returns its tally.
// Per-record failures are absorbed into the tally; only failures of the
// store scan itself propagate, and callers are expected to log those and
// retry on the next trigger.
func (r *Reconciler) SyncOfflineStories(ctx context.Context) (Summary, error) {
	// Pre-pass cleanup. Best-effort: a failed cleanup must not block the
	// upload attempts themselves.
	if _, err := r.store.ResetStuckSyncing(ctx, r.config.StuckLockThreshold); err != nil {
		r.logger.Warn("failed to reset stuck syncing stories", "error", err)
	}
	if _, err := r.store.PurgeFailed(ctx, r.config.FailedRetention); err != nil {
		r.logger.Warn("failed to purge failed stories", "error", err)
	}

	pending, err := r.store.PendingSync(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load pending stories: %w", err)
	}
	if len(pending) == 0 {
		return Summary{}, nil
	}
	r.logger.Info("syncing offline stories", "count", len(pending))

	var sum Summary
	for _, rec := range pending {
		switch r.syncOne(ctx, rec) {
		case outcomeSynced:
			sum.Synced++
		case outcomeFailed:
			sum.Failed++
		case outcomeSkipped:
			sum.Skipped++
		}
		if ctx.Err() != nil {
			break
		}
	}

	if sum.Synced > 0 {
		if _, err := r.store.PurgeSyncedCached(ctx, r.config.SyncedGrace); err != nil {
			r.logger.Warn("failed to purge synced stories after pass", "error", err)
		}
	}
	r.logger.Info("sync pass completed",
		"synced", sum.Synced, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (r *Reconciler) syncOne(ctx context.Context, rec *storystore.StoryRecord) outcome {
	// Defensive re-check against the snapshot: a concurrent pass may have
	// handled the record between the scan and now.
	if rec.IsSyncing || rec.SyncedAt != nil {
		r.logger.Info("skipping already handled story", "id", rec.ID)
		return outcomeSkipped
	}

	if r.existsRemotely(ctx, rec) {
		now := time.Now()
		offline := false
		syncing := false
		method := syncMethodDetected
		if _, err := r.store.Update(ctx, rec.ID, storystore.StoryPatch{
			IsOffline:  &offline,
			IsSyncing:  &syncing,
			SyncedAt:   &now,
			SyncMethod: &method,
		}); err != nil {
			r.logger.Error("failed to mark story synced-by-detection", "id", rec.ID, "error", err)
			return outcomeFailed
		}
		r.logger.Info("story already on server, marked synced", "id", rec.ID)
		return outcomeSkipped
	}

	// Acquire the per-record lock before touching the network.
	now := time.Now()
	locked := true
	if _, err := r.store.Update(ctx, rec.ID, storystore.StoryPatch{
		IsSyncing:     &locked,
		SyncStartedAt: &now,
	}); err != nil {
		r.logger.Error("failed to lock story for sync", "id", rec.ID, "error", err)
		return outcomeFailed
	}

	story, err := r.api.CreateStory(ctx, r.buildUpload(ctx, rec))
	if err != nil {
		return r.recordUploadFailure(ctx, rec.ID, err)
	}

	offline := false
	unlocked := false
	syncedAt := time.Now()
	method := syncMethodAPISync
	if _, err := r.store.Update(ctx, rec.ID, storystore.StoryPatch{
		ID:                 &story.ID,
		IsOffline:          &offline,
		IsSyncing:          &unlocked,
		SyncedAt:           &syncedAt,
		ClearSyncStartedAt: true,
		SyncMethod:         &method,
	}); err != nil {
		r.logger.Error("failed to record successful sync", "id", rec.ID, "error", err)
		return outcomeFailed
	}
	r.logger.Info("synced offline story", "offline_id", rec.ID, "server_id", story.ID)
	return outcomeSynced
}

// recordUploadFailure releases the lock and classifies the failure: a 503 is
// transient, so the record stays eligible for the next pass; anything else
// marks it permanently failed until the retention purge clears it.
func (r *Reconciler) recordUploadFailure(ctx context.Context, id string, uploadErr error) outcome {
	unlocked := false
	attempt := time.Now()
	patch := storystore.StoryPatch{
		IsSyncing:          &unlocked,
		ClearSyncStartedAt: true,
		LastSyncAttempt:    &attempt,
	}

	var apiErr *APIError
	transient := errors.As(uploadErr, &apiErr) && apiErr.Retryable()
	if !transient {
		failed := true
		msg := uploadErr.Error()
		patch.SyncFailed = &failed
		patch.SyncError = &msg
	}

	if _, err := r.store.Update(ctx, id, patch); err != nil {
		r.logger.Error("failed to release sync lock after error", "id", id, "error", err)
		return outcomeFailed
	}
	if transient {
		r.logger.Warn("server unavailable, will retry story later", "id", id)
		return outcomeSkipped
	}
	r.logger.Error("story sync failed permanently", "id", id, "error", uploadErr)
	return outcomeFailed
}

// existsRemotely checks whether the server already has a story matching the
// pending record: identical description, coordinates within the configured
// epsilon when both sides carry them, creation times within the configured
// window. A failed list fetch counts as "not found" — uploading and risking
// a duplicate beats silently dropping the record.
func (r *Reconciler) existsRemotely(ctx context.Context, rec *storystore.StoryRecord) bool {
	remote, err := r.api.ListStories(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch remote list for duplicate detection", "error", err)
		return false
	}
	for i := range remote {
		if r.matches(rec, &remote[i]) {
			r.logger.Info("found matching remote story",
				"offline_id", rec.ID, "server_id", remote[i].ID)
			return true
		}
	}
	return false
}

func (r *Reconciler) matches(rec *storystore.StoryRecord, remote *Story) bool {
	if remote.Description != rec.Description {
		return false
	}
	if rec.Lat != nil && rec.Lon != nil {
		if remote.Lat == nil || remote.Lon == nil {
			return false
		}
		if math.Abs(*remote.Lat-*rec.Lat) > r.config.DuplicateEpsilon ||
			math.Abs(*remote.Lon-*rec.Lon) > r.config.DuplicateEpsilon {
			return false
		}
	}
	d := remote.CreatedAt.Sub(rec.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < r.config.DuplicateWindow
}

// buildUpload converts a pending record into an upload payload. The photo is
// recovered from its durable data: URI, or re-fetched when the record still
// references a remote URL. Photo recovery failures are logged and the story
// is uploaded without a photo rather than being stranded.
func (r *Reconciler) buildUpload(ctx context.Context, rec *storystore.StoryRecord) NewStory {
	ns := NewStory{
		Description: rec.Description,
		PhotoName:   rec.PhotoName,
		PhotoType:   rec.PhotoType,
		Lat:         rec.Lat,
		Lon:         rec.Lon,
	}
	switch {
	case rec.PhotoURL == "":
	case IsDataURL(rec.PhotoURL):
		mime, data, err := DecodeDataURL(rec.PhotoURL)
		if err != nil {
			r.logger.Warn("failed to decode stored photo, uploading without it",
				"id", rec.ID, "error", err)
			break
		}
		ns.Photo = data
		if ns.PhotoType == "" {
			ns.PhotoType = mime
		}
	default:
		data, mime, err := r.api.FetchBytes(ctx, rec.PhotoURL)
		if err != nil {
			r.logger.Warn("failed to fetch photo url, uploading without it",
				"id", rec.ID, "error", err)
			break
		}
		ns.Photo = data
		if ns.PhotoType == "" {
			ns.PhotoType = mime
		}
	}
	return ns
}
