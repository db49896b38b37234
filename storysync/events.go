// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import "github.com/mobiletoly/go-storysync/storystore"

// EventKind identifies what happened.
type EventKind int

const (
	// EventAuthChanged fires after login and logout.
	EventAuthChanged EventKind = iota
	// EventSyncCompleted fires after a reconciliation pass with its tally.
	EventSyncCompleted
	// EventStorySavedOffline fires when a story is persisted locally because
	// the network was unavailable.
	EventStorySavedOffline
)

// Event is delivered to subscribers of the repository. The UI layer decides
// how to surface it (banner, toast, badge); the repository never touches
// presentation.
type Event struct {
	Kind          EventKind
	Authenticated bool                    // EventAuthChanged
	Summary       Summary                 // EventSyncCompleted
	Record        *storystore.StoryRecord // EventStorySavedOffline
}

// Listener receives repository events. Callbacks run synchronously on the
// calling task; keep them short.
type Listener func(Event)
