// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storystore

import (
	"fmt"
	"strings"
	"time"
)

// StoryRecord is the durable local representation of a story, whether it was
// fetched from the server (cached) or authored on this device while offline.
type StoryRecord struct {
	ID          string // server-assigned id, or "offline_<ts>_<random>" until accepted
	Name        string
	Description string

	// PhotoURL is either a remote https URL (server-hosted) or a data: URI
	// holding the captured image until it is uploaded.
	PhotoURL  string
	PhotoType string // MIME type of a locally captured photo
	PhotoName string // original file name of a locally captured photo

	Lat *float64
	Lon *float64

	CreatedAt time.Time
	UpdatedAt time.Time

	// Sync state. IsSyncing acts as a per-record lock; SyncStartedAt lets a
	// later pass detect and break a lock held by a crashed attempt.
	IsOffline       bool
	IsSyncing       bool
	SyncStartedAt   *time.Time
	SyncedAt        *time.Time
	SyncFailed      bool
	SyncError       string
	SyncAttempts    int
	SyncMethod      string
	LastSyncAttempt *time.Time

	// CachedAt is set when the record was written as a copy of server data
	// rather than authored locally.
	CachedAt *time.Time

	// OriginalOfflineID retains the locally generated id after the server
	// assigns a permanent one, so the id transition stays auditable.
	OriginalOfflineID string
}

// IsPendingSync reports whether the record is awaiting upload: authored
// offline, not locked, never confirmed, and not permanently failed.
func (r *StoryRecord) IsPendingSync() bool {
	return r.IsOffline && !r.IsSyncing && r.SyncedAt == nil && !r.SyncFailed
}

// Validate checks the closed-schema requirements enforced at the store
// boundary.
func (r *StoryRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("story record: id is required")
	}
	if r.Description == "" {
		return fmt.Errorf("story record: description is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("story record: createdAt is required")
	}
	if (r.Lat == nil) != (r.Lon == nil) {
		return fmt.Errorf("story record: lat and lon must be set together")
	}
	return nil
}

// IsOfflineID reports whether id uses the locally generated offline form.
func IsOfflineID(id string) bool {
	return strings.HasPrefix(id, "offline_")
}

// StoryPatch is a shallow-merge update applied by Store.Update. Nil fields
// are left untouched. Clear* flags null out the corresponding timestamp,
// which a nil pointer cannot express.
type StoryPatch struct {
	ID *string // re-keys the record; the old id is kept as OriginalOfflineID

	PhotoURL *string

	IsOffline  *bool
	IsSyncing  *bool
	SyncFailed *bool
	SyncError  *string
	SyncMethod *string

	SyncStartedAt      *time.Time
	ClearSyncStartedAt bool
	SyncedAt           *time.Time
	LastSyncAttempt    *time.Time
}

func (p *StoryPatch) apply(r *StoryRecord, now time.Time) {
	if p.PhotoURL != nil {
		r.PhotoURL = *p.PhotoURL
	}
	if p.IsOffline != nil {
		r.IsOffline = *p.IsOffline
	}
	if p.IsSyncing != nil {
		r.IsSyncing = *p.IsSyncing
	}
	if p.SyncFailed != nil {
		r.SyncFailed = *p.SyncFailed
	}
	if p.SyncError != nil {
		r.SyncError = *p.SyncError
	}
	if p.SyncMethod != nil {
		r.SyncMethod = *p.SyncMethod
	}
	if p.SyncStartedAt != nil {
		t := *p.SyncStartedAt
		r.SyncStartedAt = &t
	}
	if p.ClearSyncStartedAt {
		r.SyncStartedAt = nil
	}
	if p.SyncedAt != nil {
		t := *p.SyncedAt
		r.SyncedAt = &t
	}
	if p.LastSyncAttempt != nil {
		t := *p.LastSyncAttempt
		r.LastSyncAttempt = &t
	}
	r.UpdatedAt = now
	r.SyncAttempts++
}

// Stats summarizes the store contents by sync state.
type Stats struct {
	Total   int
	Pending int
	Cached  int
	Syncing int
	Failed  int
}
