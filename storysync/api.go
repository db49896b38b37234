// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package storysync implements the client-side synchronization layer of an
// offline-first story application: a thin HTTP client for the remote story
// API, a reconciler that uploads offline-authored records once connectivity
// returns, and a repository facade that hides the online/offline branching
// from the rest of the application.
package storysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Story is the remote API's representation of a story.
type Story struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhotoURL    string    `json:"photoUrl"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LoginResult is the payload returned by a successful login.
type LoginResult struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// NewStory is the payload for creating a story, online or via sync.
type NewStory struct {
	Description string
	Photo       []byte // raw image bytes; empty means no photo
	PhotoName   string
	PhotoType   string
	Lat         *float64
	Lon         *float64
}

// APIError carries a non-2xx response from the remote API. A 503 is
// transient (server-side resource exhaustion) and retryable on a later pass;
// everything else is a permanent rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("story api: %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure should leave the record eligible for
// a future sync pass rather than marking it permanently failed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to the remote story API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenSource
	logger  *slog.Logger
}

// NewClient creates a story API client. The token source may be nil for
// clients that only register and log in.
func NewClient(baseURL string, tok TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Token:   tok,
		logger:  logger,
	}
}

type apiEnvelope struct {
	Error       bool         `json:"error"`
	Message     string       `json:"message"`
	LoginResult *LoginResult `json:"loginResult,omitempty"`
	ListStory   []Story      `json:"listStory,omitempty"`
	Story       *Story       `json:"story,omitempty"`
}

func (c *Client) decode(resp *http.Response) (*apiEnvelope, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read api response: %w", err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to decode api response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*apiEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach story api: %w", err)
	}
	return c.decode(resp)
}

func (c *Client) getAuthed(ctx context.Context, path string) (*apiEnvelope, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach story api: %w", err)
	}
	return c.decode(resp)
}

// Register creates a new user account.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	_, err := c.postJSON(ctx, "/register", map[string]string{
		"name": name, "email": email, "password": password,
	})
	return err
}

// Login authenticates and returns the login result with its bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	env, err := c.postJSON(ctx, "/login", map[string]string{
		"email": email, "password": password,
	})
	if err != nil {
		return nil, err
	}
	if env.LoginResult == nil || env.LoginResult.Token == "" {
		return nil, fmt.Errorf("login response missing loginResult token")
	}
	return env.LoginResult, nil
}

// ListStories returns the server's current story list.
func (c *Client) ListStories(ctx context.Context) ([]Story, error) {
	env, err := c.getAuthed(ctx, "/stories")
	if err != nil {
		return nil, err
	}
	return env.ListStory, nil
}

// StoryByID returns one story.
func (c *Client) StoryByID(ctx context.Context, id string) (*Story, error) {
	env, err := c.getAuthed(ctx, "/stories/"+id)
	if err != nil {
		return nil, err
	}
	if env.Story == nil {
		return nil, fmt.Errorf("story response missing story payload")
	}
	return env.Story, nil
}

// CreateStory uploads a new story as a multipart form and returns the
// server-assigned story.
func (c *Client) CreateStory(ctx context.Context, ns NewStory) (*Story, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("description", ns.Description); err != nil {
		return nil, fmt.Errorf("failed to write description field: %w", err)
	}
	if len(ns.Photo) > 0 {
		name := ns.PhotoName
		if name == "" {
			name = "story-photo.jpg"
		}
		fw, err := mw.CreateFormFile("photo", name)
		if err != nil {
			return nil, fmt.Errorf("failed to create photo part: %w", err)
		}
		if _, err := fw.Write(ns.Photo); err != nil {
			return nil, fmt.Errorf("failed to write photo part: %w", err)
		}
	}
	if ns.Lat != nil && ns.Lon != nil {
		if err := mw.WriteField("lat", strconv.FormatFloat(*ns.Lat, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("failed to write lat field: %w", err)
		}
		if err := mw.WriteField("lon", strconv.FormatFloat(*ns.Lon, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("failed to write lon field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/stories", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach story api: %w", err)
	}
	env, err := c.decode(resp)
	if err != nil {
		return nil, err
	}
	if env.Story == nil {
		return nil, fmt.Errorf("create response missing story payload")
	}
	return env.Story, nil
}

// FetchBytes downloads an arbitrary URL (used to recover photo bytes for a
// record whose photo is still a remote reference).
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", &APIError{StatusCode: resp.StatusCode, Message: "photo fetch failed"}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read photo body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
