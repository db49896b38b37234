// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package storyserver is the reference implementation of the remote story
// API: user registration, token login, story listing and creation with
// multipart photo upload, and photo hosting. The offline client layers
// (gateway, storysync) treat this API as an opaque boundary; this package
// exists so the whole system can run end to end.
package storyserver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user, story, or photo does not exist.
	ErrNotFound = errors.New("storyserver: not found")

	// ErrDuplicateEmail is returned when registering an email that is
	// already taken.
	ErrDuplicateEmail = errors.New("storyserver: email already registered")
)

// User is a registered account. PasswordHash is a bcrypt hash, never the
// plaintext password.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// StoryRow is a stored story. PhotoFile is the hosted photo's file name
// under the images path, empty when the story has no photo.
type StoryRow struct {
	ID          string
	UserID      string
	Name        string
	Description string
	PhotoFile   string
	Lat         *float64
	Lon         *float64
	CreatedAt   time.Time
}

// Photo is a hosted story photo.
type Photo struct {
	File        string
	ContentType string
	Data        []byte
}

// Store is the server's persistence boundary. PGStore backs production,
// MemStore backs tests.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)

	CreateStory(ctx context.Context, story *StoryRow) error
	// ListStories returns all stories, newest first.
	ListStories(ctx context.Context) ([]StoryRow, error)
	StoryByID(ctx context.Context, id string) (*StoryRow, error)

	SavePhoto(ctx context.Context, photo *Photo) error
	PhotoByFile(ctx context.Context, file string) (*Photo, error)
}
