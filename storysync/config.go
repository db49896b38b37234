// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import "time"

// Config holds the sync policy knobs. The defaults mirror field-tested
// values; none of them is a correctness invariant, so deployments may tune
// them freely.
type Config struct {
	// StuckLockThreshold is how long a record may stay locked (isSyncing)
	// before the pre-pass cleanup breaks the lock.
	StuckLockThreshold time.Duration

	// FailedRetention is how long permanently failed records are kept before
	// the pre-pass cleanup purges them.
	FailedRetention time.Duration

	// SyncedGrace is how long synced cached records linger before the
	// post-pass cleanup removes them (prevents one story living under both
	// its offline id and its server id).
	SyncedGrace time.Duration

	// CacheRefreshGrace protects records synced within this window from
	// being wiped by a stale concurrent list refresh.
	CacheRefreshGrace time.Duration

	// DuplicateEpsilon is the maximum coordinate difference, in degrees, for
	// a remote story to count as a duplicate of a pending record
	// (approximates GPS precision).
	DuplicateEpsilon float64

	// DuplicateWindow is the maximum creation-time difference for remote
	// duplicate detection.
	DuplicateWindow time.Duration

	// OfflineDuplicateWindow is the creation-time window for rejecting a
	// second offline save of the same description.
	OfflineDuplicateWindow time.Duration
}

// DefaultConfig returns the default sync policy.
func DefaultConfig() *Config {
	return &Config{
		StuckLockThreshold:     5 * time.Minute,
		FailedRetention:        time.Hour,
		SyncedGrace:            10 * time.Minute,
		CacheRefreshGrace:      5 * time.Minute,
		DuplicateEpsilon:       0.0001,
		DuplicateWindow:        5 * time.Minute,
		OfflineDuplicateWindow: time.Minute,
	}
}
