// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	mu      sync.RWMutex
	users   map[string]*User // keyed by lowercased email
	stories map[string]*StoryRow
	photos  map[string]*Photo
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:   make(map[string]*User),
		stories: make(map[string]*StoryRow),
		photos:  make(map[string]*Photo),
	}
}

func (m *MemStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(user.Email)
	if _, exists := m.users[key]; exists {
		return ErrDuplicateEmail
	}
	copied := *user
	m.users[key] = &copied
	return nil
}

func (m *MemStore) UserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *MemStore) CreateStory(_ context.Context, story *StoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *story
	m.stories[story.ID] = &copied
	return nil
}

func (m *MemStore) ListStories(_ context.Context) ([]StoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StoryRow, 0, len(m.stories))
	for _, story := range m.stories {
		out = append(out, *story)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) StoryByID(_ context.Context, id string) (*StoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	story, ok := m.stories[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *story
	return &copied, nil
}

func (m *MemStore) SavePhoto(_ context.Context, photo *Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *photo
	copied.Data = append([]byte(nil), photo.Data...)
	m.photos[photo.File] = &copied
	return nil
}

func (m *MemStore) PhotoByFile(_ context.Context, file string) (*Photo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	photo, ok := m.photos[file]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *photo
	copied.Data = append([]byte(nil), photo.Data...)
	return &copied, nil
}
