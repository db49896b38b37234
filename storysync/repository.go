// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-storysync/storystore"
)

// ErrNoOfflineData is returned when neither the network nor the local store
// can satisfy a read.
var ErrNoOfflineData = errors.New("storysync: no data available offline")

// CreateStatus tags the outcome of CreateStory.
type CreateStatus int

const (
	// StatusCreated means the story was accepted by the server directly.
	StatusCreated CreateStatus = iota
	// StatusSavedOffline means the story was persisted locally and will be
	// uploaded by a later sync pass.
	StatusSavedOffline
	// StatusDuplicate means an identical story was already saved offline
	// moments ago; nothing new was stored.
	StatusDuplicate
)

// CreateResult is the tagged outcome of CreateStory.
type CreateResult struct {
	Status CreateStatus
	Story  *Story                  // set when Status == StatusCreated
	Record *storystore.StoryRecord // set for SavedOffline and Duplicate
}

// Repository is the single entry point the application uses for story data.
// It hides the online/offline branching: reads fall back to the durable
// store, writes fall back to offline persistence, and every online read
// opportunistically reconciles pending offline records first.
type Repository struct {
	store      *storystore.Store
	api        *Client
	reconciler *Reconciler
	auth       *AuthState
	probe      Probe
	config     *Config
	logger     *slog.Logger

	// syncing is the session-scoped guard preventing overlapping
	// reconciliation passes from one process. Cross-process exclusion rides
	// on the per-record isSyncing lock instead.
	syncing atomic.Bool

	mu        sync.Mutex
	listeners []Listener
}

// NewRepository wires a repository over the given store. The API client's
// token source is bound to the store's persisted auth state.
func NewRepository(store *storystore.Store, baseURL string, probe Probe, config *Config, logger *slog.Logger) *Repository {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth := NewAuthState(store)
	api := NewClient(baseURL, auth.Token, logger)
	if probe == nil {
		probe = NewHTTPProbe(baseURL)
	}
	return &Repository{
		store:      store,
		api:        api,
		reconciler: NewReconciler(store, api, config, logger),
		auth:       auth,
		probe:      probe,
		config:     config,
		logger:     logger,
	}
}

// API exposes the underlying client for callers that need raw access.
func (r *Repository) API() *Client { return r.api }

// Subscribe registers a listener for repository events.
func (r *Repository) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Repository) emit(ev Event) {
	r.mu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Register creates a new account.
func (r *Repository) Register(ctx context.Context, name, email, password string) error {
	return r.api.Register(ctx, name, email, password)
}

// Login authenticates and persists the token and user profile.
func (r *Repository) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := r.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := r.auth.SaveLogin(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to persist login: %w", err)
	}
	r.emit(Event{Kind: EventAuthChanged, Authenticated: true})
	return res, nil
}

// IsAuthenticated reports whether a token is stored.
func (r *Repository) IsAuthenticated(ctx context.Context) bool {
	return r.auth.IsAuthenticated(ctx)
}

// Logout clears the stored token and user profile.
func (r *Repository) Logout(ctx context.Context) error {
	if err := r.auth.Logout(ctx); err != nil {
		return err
	}
	r.emit(Event{Kind: EventAuthChanged, Authenticated: false})
	return nil
}

// CreateStory uploads a story when the network allows it and otherwise
// persists it locally for a later sync pass. The returned result is tagged:
// Created, SavedOffline, or Duplicate.
func (r *Repository) CreateStory(ctx context.Context, ns NewStory) (*CreateResult, error) {
	if r.probe.Online(ctx) {
		story, err := r.api.CreateStory(ctx, ns)
		if err == nil {
			if cacheErr := r.store.CacheRemote(ctx,
				[]*storystore.StoryRecord{storyToRecord(story)},
				r.config.CacheRefreshGrace); cacheErr != nil {
				r.logger.Warn("failed to cache created story", "error", cacheErr)
			}
			return &CreateResult{Status: StatusCreated, Story: story}, nil
		}
		r.logger.Warn("direct upload failed, saving story offline", "error", err)
	}
	return r.saveOffline(ctx, ns)
}

func (r *Repository) saveOffline(ctx context.Context, ns NewStory) (*CreateResult, error) {
	now := time.Now()

	if dup, err := r.store.FindDuplicate(ctx, ns.Description, now, r.config.OfflineDuplicateWindow); err != nil {
		r.logger.Warn("duplicate check failed, saving anyway", "error", err)
	} else if dup != nil {
		r.logger.Info("duplicate offline story detected", "id", dup.ID)
		return &CreateResult{Status: StatusDuplicate, Record: dup}, nil
	}

	rec := &storystore.StoryRecord{
		ID:          storystore.NewOfflineID(now),
		Description: ns.Description,
		Lat:         ns.Lat,
		Lon:         ns.Lon,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsOffline:   true,
	}
	if len(ns.Photo) > 0 {
		rec.PhotoURL = EncodeDataURL(ns.PhotoType, ns.Photo)
		rec.PhotoType = ns.PhotoType
		rec.PhotoName = ns.PhotoName
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save story offline: %w", err)
	}
	r.logger.Info("story saved offline", "id", rec.ID)
	r.emit(Event{Kind: EventStorySavedOffline, Record: rec})
	return &CreateResult{Status: StatusSavedOffline, Record: rec}, nil
}

// ListStories returns the current stories, newest first. Online it first
// reconciles pending offline records, then fetches and caches the remote
// list; on any failure it falls back to the durable store. It fails only
// when neither source has data.
func (r *Repository) ListStories(ctx context.Context) ([]*storystore.StoryRecord, error) {
	if r.probe.Online(ctx) {
		r.syncIfIdle(ctx)

		stories, err := r.api.ListStories(ctx)
		if err == nil {
			records := make([]*storystore.StoryRecord, 0, len(stories))
			for i := range stories {
				records = append(records, storyToRecord(&stories[i]))
			}
			if cacheErr := r.store.CacheRemote(ctx, records, r.config.CacheRefreshGrace); cacheErr != nil {
				r.logger.Warn("failed to cache story list", "error", cacheErr)
			}
			sortByCreatedDesc(records)
			return records, nil
		}
		r.logger.Warn("story list fetch failed, falling back to local store", "error", err)
	}

	records, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local stories: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoOfflineData
	}
	sortByCreatedDesc(records)
	return records, nil
}

// StoryDetail returns one story, falling back to the durable store when the
// network path fails.
func (r *Repository) StoryDetail(ctx context.Context, id string) (*storystore.StoryRecord, error) {
	if r.probe.Online(ctx) {
		story, err := r.api.StoryByID(ctx, id)
		if err == nil {
			rec := storyToRecord(story)
			if cacheErr := r.store.CacheRemote(ctx,
				[]*storystore.StoryRecord{rec}, r.config.CacheRefreshGrace); cacheErr != nil {
				r.logger.Warn("failed to cache story detail", "error", cacheErr)
			}
			return rec, nil
		}
		r.logger.Warn("story detail fetch failed, falling back to local store",
			"id", id, "error", err)
	}

	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, storystore.ErrNotFound) {
		return nil, ErrNoOfflineData
	}
	return rec, err
}

// SyncOfflineStories runs a reconciliation pass on demand, guarded by the
// session flag so overlapping passes collapse to one.
func (r *Repository) SyncOfflineStories(ctx context.Context) (Summary, error) {
	if !r.syncing.CompareAndSwap(false, true) {
		return Summary{}, nil
	}
	defer r.syncing.Store(false)
	sum, err := r.reconciler.SyncOfflineStories(ctx)
	if err == nil {
		r.emit(Event{Kind: EventSyncCompleted, Summary: sum})
	}
	return sum, err
}

// syncIfIdle runs an opportunistic best-effort sync pass before an online
// read; errors are logged and otherwise ignored.
func (r *Repository) syncIfIdle(ctx context.Context) {
	if _, err := r.SyncOfflineStories(ctx); err != nil {
		r.logger.Warn("opportunistic sync failed", "error", err)
	}
}

func storyToRecord(s *Story) *storystore.StoryRecord {
	return &storystore.StoryRecord{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		PhotoURL:    s.PhotoURL,
		Lat:         s.Lat,
		Lon:         s.Lon,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.CreatedAt,
	}
}

func sortByCreatedDesc(records []*storystore.StoryRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
