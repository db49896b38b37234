// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-storysync/storyserver"
	"github.com/mobiletoly/go-storysync/storysync"
)

// pngMagic is a minimal body http.DetectContentType recognizes as image/png.
var pngMagic = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type serverFixture struct {
	server *httptest.Server
	config *storyserver.Config
}

func newServerFixture(t *testing.T, mutate func(*storyserver.Config)) *serverFixture {
	t.Helper()
	cfg := storyserver.DefaultConfig()
	cfg.JWTSecret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := storyserver.NewServer(storyserver.NewMemStore(), cfg, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &serverFixture{server: ts, config: cfg}
}

// client returns a storysync API client logged in as a fresh user.
func (f *serverFixture) client(t *testing.T, email string) *storysync.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bootstrap := storysync.NewClient(f.server.URL, nil, logger)
	ctx := context.Background()
	require.NoError(t, bootstrap.Register(ctx, "Test User", email, "password123"))
	login, err := bootstrap.Login(ctx, email, "password123")
	require.NoError(t, err)
	return storysync.NewClient(f.server.URL, func(context.Context) (string, error) {
		return login.Token, nil
	}, logger)
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var env map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestRegisterValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	tests := []struct {
		name    string
		payload map[string]string
	}{
		{"missing name", map[string]string{"email": "a@example.com", "password": "password123"}},
		{"invalid email", map[string]string{"name": "A", "email": "not-an-email", "password": "password123"}},
		{"short password", map[string]string{"name": "A", "email": "a@example.com", "password": "short"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, f.server.URL+"/register", tc.payload)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			env := decodeEnvelope(t, resp)
			require.Equal(t, true, env["error"])
			require.NotEmpty(t, env["message"])
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newServerFixture(t, nil)
	payload := map[string]string{"name": "A", "email": "dup@example.com", "password": "password123"}

	resp := postJSON(t, f.server.URL+"/register", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, f.server.URL+"/register", payload)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Contains(t, env["message"], "already taken")
}

func TestLoginFlow(t *testing.T) {
	f := newServerFixture(t, nil)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := storysync.NewClient(f.server.URL, nil, logger)

	require.NoError(t, client.Register(ctx, "Maya", "maya@example.com", "password123"))

	_, err := client.Login(ctx, "maya@example.com", "wrong-password")
	var apiErr *storysync.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	login, err := client.Login(ctx, "maya@example.com", "password123")
	require.NoError(t, err)
	require.NotEmpty(t, login.Token)
	require.Equal(t, "Maya", login.Name)
	require.NotEmpty(t, login.UserID)
}

func TestStoriesRequireAuth(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/stories")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, true, env["error"])
}

func TestCreateAndListStories(t *testing.T) {
	f := newServerFixture(t, nil)
	client := f.client(t, "writer@example.com")
	ctx := context.Background()

	lat, lon := 59.91, 10.75
	created, err := client.CreateStory(ctx, storysync.NewStory{
		Description: "first story",
		Photo:       pngMagic,
		PhotoName:   "shot.png",
		Lat:         &lat,
		Lon:         &lon,
	})
	require.NoError(t, err)
	require.Contains(t, created.ID, "story-")
	require.Equal(t, "first story", created.Description)
	require.Equal(t, "Test User", created.Name)
	require.NotEmpty(t, created.PhotoURL)
	require.NotNil(t, created.Lat)
	require.InDelta(t, lat, *created.Lat, 1e-9)

	second, err := client.CreateStory(ctx, storysync.NewStory{Description: "second story"})
	require.NoError(t, err)
	require.Empty(t, second.PhotoURL)

	stories, err := client.ListStories(ctx)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	require.Equal(t, "second story", stories[0].Description, "list must be newest first")

	got, err := client.StoryByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	photo, contentType, err := client.FetchBytes(ctx, created.PhotoURL)
	require.NoError(t, err)
	require.Equal(t, "image/png", contentType)
	require.Equal(t, pngMagic, photo)
}

func TestStoryByIDNotFound(t *testing.T) {
	f := newServerFixture(t, nil)
	client := f.client(t, "reader@example.com")

	_, err := client.StoryByID(context.Background(), "story-missing")
	var apiErr *storysync.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.False(t, apiErr.Retryable())
}

func TestCreateStoryValidation(t *testing.T) {
	f := newServerFixture(t, func(cfg *storyserver.Config) {
		cfg.MaxPhotoBytes = 256
	})
	client := f.client(t, "strict@example.com")
	ctx := context.Background()

	_, err := client.CreateStory(ctx, storysync.NewStory{Description: "   "})
	var apiErr *storysync.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	big := append(append([]byte(nil), pngMagic...), bytes.Repeat([]byte{0}, 1024)...)
	_, err = client.CreateStory(ctx, storysync.NewStory{Description: "too big", Photo: big})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusRequestEntityTooLarge, apiErr.StatusCode)

	_, err = client.CreateStory(ctx, storysync.NewStory{
		Description: "not an image",
		Photo:       []byte("plain text body, long enough to sniff"),
	})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestCreateStoryRejectsHalfCoordinates(t *testing.T) {
	f := newServerFixture(t, nil)
	client := f.client(t, "geo@example.com")

	// Hand-built form with lat but no lon; the typed client always sends
	// both.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("description", "half coords"))
	require.NoError(t, mw.WriteField("lat", "59.91"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/stories", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	token, err := client.Token(context.Background())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Contains(t, env["message"], "lat and lon")
}

func TestPhotoNotFound(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/images/stories/missing.png")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newServerFixture(t, nil)
	jwtAuth := storyserver.NewJWTAuth(f.config.JWTSecret)
	token, err := jwtAuth.GenerateToken("user-x", "X", -time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/stories", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestMemStoreNotFoundErrors(t *testing.T) {
	store := storyserver.NewMemStore()
	ctx := context.Background()

	_, err := store.UserByEmail(ctx, "nobody@example.com")
	require.True(t, errors.Is(err, storyserver.ErrNotFound))
	_, err = store.StoryByID(ctx, "story-x")
	require.True(t, errors.Is(err, storyserver.ErrNotFound))
	_, err = store.PhotoByFile(ctx, "x.png")
	require.True(t, errors.Is(err, storyserver.ErrNotFound))
}
