// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates the Postgres store and initializes its schema.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize story schema: %w", err)
	}
	return s, nil
}

// initializeSchema creates the required tables if they don't exist.
func (s *PGStore) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS story_users (
				id            TEXT        PRIMARY KEY,
				name          TEXT        NOT NULL,
				email         TEXT        NOT NULL UNIQUE,
				password_hash BYTEA       NOT NULL,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS stories (
				id          TEXT             PRIMARY KEY,
				user_id     TEXT             NOT NULL REFERENCES story_users(id),
				name        TEXT             NOT NULL,
				description TEXT             NOT NULL,
				photo_file  TEXT             NOT NULL DEFAULT '',
				lat         DOUBLE PRECISION,
				lon         DOUBLE PRECISION,
				created_at  TIMESTAMPTZ      NOT NULL
			)`,
			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_stories_created_at
				ON stories (created_at DESC)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS story_photos (
				file         TEXT  PRIMARY KEY,
				content_type TEXT  NOT NULL,
				data         BYTEA NOT NULL
			)`,
		}
		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("failed to run migration: %w", err)
			}
		}
		return nil
	})
}

func (s *PGStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO story_users (id, name, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *PGStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM story_users WHERE lower(email) = lower($1)`, email).
		Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *PGStore) CreateStory(ctx context.Context, story *StoryRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stories (id, user_id, name, description, photo_file, lat, lon, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		story.ID, story.UserID, story.Name, story.Description,
		story.PhotoFile, story.Lat, story.Lon, story.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert story: %w", err)
	}
	return nil
}

func (s *PGStore) ListStories(ctx context.Context) ([]StoryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, description, photo_file, lat, lon, created_at
		FROM stories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories: %w", err)
	}
	defer rows.Close()

	var out []StoryRow
	for rows.Next() {
		var story StoryRow
		if err := rows.Scan(&story.ID, &story.UserID, &story.Name, &story.Description,
			&story.PhotoFile, &story.Lat, &story.Lon, &story.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		out = append(out, story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stories: %w", err)
	}
	return out, nil
}

func (s *PGStore) StoryByID(ctx context.Context, id string) (*StoryRow, error) {
	var story StoryRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, description, photo_file, lat, lon, created_at
		FROM stories WHERE id = $1`, id).
		Scan(&story.ID, &story.UserID, &story.Name, &story.Description,
			&story.PhotoFile, &story.Lat, &story.Lon, &story.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query story: %w", err)
	}
	return &story, nil
}

func (s *PGStore) SavePhoto(ctx context.Context, photo *Photo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO story_photos (file, content_type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (file) DO UPDATE SET content_type = EXCLUDED.content_type, data = EXCLUDED.data`,
		photo.File, photo.ContentType, photo.Data)
	if err != nil {
		return fmt.Errorf("failed to insert photo: %w", err)
	}
	return nil
}

func (s *PGStore) PhotoByFile(ctx context.Context, file string) (*Photo, error) {
	var photo Photo
	err := s.pool.QueryRow(ctx, `
		SELECT file, content_type, data FROM story_photos WHERE file = $1`, file).
		Scan(&photo.File, &photo.ContentType, &photo.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query photo: %w", err)
	}
	return &photo, nil
}
