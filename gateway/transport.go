// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// maxCachedBody caps how much of a response body is buffered and stored.
const maxCachedBody = 16 << 20

// errSkip503 aborts a retry loop immediately: a 503 from an image endpoint
// signals a server-side resource problem, not a transient network error, so
// retrying is pointless and the placeholder chain takes over.
var errSkip503 = errors.New("gateway: upstream returned 503, skipping retries")

// Transport is the interception layer. Install it as the http.Client
// transport of the hosting application; every request then flows through
// strategy-driven caching, and the caller always receives a response, never
// a transport error, except for requests classified as pass-through.
type Transport struct {
	base    http.RoundTripper
	storage *Storage
	config  *Config
	logger  *slog.Logger
	apiURL  *url.URL

	// background tracks fire-and-forget revalidation and pre-warming so
	// Flush can wait for it (tests, shutdown).
	background sync.WaitGroup
}

// NewTransport creates the interception transport. base defaults to
// http.DefaultTransport.
func NewTransport(storage *Storage, config *Config, base http.RoundTripper, logger *slog.Logger) (*Transport, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIBaseURL == "" {
		return nil, fmt.Errorf("gateway: config.APIBaseURL must be set")
	}
	apiURL, err := url.Parse(config.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid APIBaseURL: %w", err)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		base:    base,
		storage: storage,
		config:  config,
		logger:  logger,
		apiURL:  apiURL,
	}, nil
}

// Activate drops cache tiers named for other versions. Call once at startup.
func (t *Transport) Activate(ctx context.Context) error {
	return t.storage.Activate(ctx, t.config.CacheNames())
}

// Flush waits for in-flight background revalidation and pre-warming.
func (t *Transport) Flush() {
	t.background.Wait()
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.classify(req) {
	case classPassThrough:
		return t.base.RoundTrip(req)
	case classAuth:
		return t.networkOnly(req), nil
	case classAPIStories:
		return t.staleWhileRevalidate(req), nil
	case classStoryImage:
		return t.cacheFirstImage(req, CategoryStoryImage), nil
	case classImage:
		return t.cacheFirstImage(req, CategoryOther), nil
	case classMapTile:
		return t.cacheFirstTile(req), nil
	case classAsset:
		return t.cacheFirstAsset(req), nil
	case classNavigation:
		return t.cacheFirstNavigation(req), nil
	default:
		return t.networkFirst(req), nil
	}
}

// fetchBuffered performs one network attempt and buffers the full response.
func (t *Transport) fetchBuffered(req *http.Request) (*CachedResponse, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

func toResponse(req *http.Request, cached *CachedResponse) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", cached.Status, http.StatusText(cached.Status)),
		StatusCode:    cached.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cached.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}

func (t *Transport) store(ctx context.Context, cache, key string, res *CachedResponse, category Category) {
	if err := t.storage.Put(ctx, cache, key, res, category); err != nil {
		t.logger.Warn("failed to store cache entry", "cache", cache, "url", key, "error", err)
	}
}

func (t *Transport) match(ctx context.Context, cache, key string) (*CachedResponse, bool) {
	cached, ok, err := t.storage.Match(ctx, cache, key)
	if err != nil {
		t.logger.Warn("cache lookup failed", "cache", cache, "url", key, "error", err)
		return nil, false
	}
	return cached, ok
}

// fetchWithRetry runs bounded exponential-backoff fetch attempts. Transport
// errors and non-2xx statuses are retried; a 503 aborts immediately when
// skip503 is set.
func (t *Transport) fetchWithRetry(req *http.Request, skip503 bool) (*CachedResponse, error) {
	backoff := retry.WithMaxRetries(uint64(t.config.MaxAttempts-1), retry.NewExponential(t.config.BackoffBase))
	var result *CachedResponse
	err := retry.Do(req.Context(), backoff, func(ctx context.Context) error {
		res, err := t.fetchBuffered(req.Clone(ctx))
		if err != nil {
			return retry.RetryableError(err)
		}
		if res.Status == http.StatusServiceUnavailable && skip503 {
			return errSkip503
		}
		if res.Status >= 300 {
			return retry.RetryableError(fmt.Errorf("upstream status %d", res.Status))
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// networkOnly serves authentication endpoints. Responses are never cached —
// stale credentials must never be replayed — and a transport failure is
// translated into the fixed offline JSON error shape.
func (t *Transport) networkOnly(req *http.Request) *http.Response {
	res, err := t.fetchBuffered(req)
	if err != nil {
		t.logger.Warn("auth request failed offline", "url", req.URL.String(), "error", err)
		return synthesizeOfflineJSON(req, "Unable to authenticate. Please check your connection and try again.")
	}
	return toResponse(req, res)
}

// staleWhileRevalidate serves story list/detail requests: a cache hit
// returns immediately while a background fetch refreshes the entry for next
// time; a miss awaits the live fetch, degrading to an offline payload that
// keeps the response shape intact.
func (t *Transport) staleWhileRevalidate(req *http.Request) *http.Response {
	key := req.URL.String()
	cache := t.config.apiCache()

	if cached, ok := t.match(req.Context(), cache, key); ok {
		t.revalidateLater(req)
		return toResponse(req, cached)
	}

	res, err := t.fetchBuffered(req)
	if err != nil || res.Status >= 300 {
		if err != nil {
			t.logger.Warn("story fetch failed with no cache", "url", key, "error", err)
		}
		if res != nil {
			// Surface genuine API rejections (auth expiry, not-found)
			// instead of masking them as offline.
			return toResponse(req, res)
		}
		if t.isStoriesList(req) {
			return synthesizeOfflineStories(req)
		}
		return synthesizeOfflineJSON(req, "Service unavailable. Please check your connection.")
	}

	t.store(req.Context(), cache, key, res, CategoryOther)
	t.prewarmLater(res)
	return toResponse(req, res)
}

func (t *Transport) isStoriesList(req *http.Request) bool {
	api, ok := t.apiPath(req.URL)
	return ok && api == "/stories"
}

// revalidateLater refreshes a served-from-cache entry in the background.
// Fire-and-forget: the caller already has its response.
func (t *Transport) revalidateLater(req *http.Request) {
	clone := req.Clone(context.WithoutCancel(req.Context()))
	t.background.Add(1)
	go func() {
		defer t.background.Done()
		ctx, cancel := context.WithTimeout(clone.Context(), 30*time.Second)
		defer cancel()
		res, err := t.fetchBuffered(clone.Clone(ctx))
		if err != nil || res.Status >= 300 {
			return
		}
		key := clone.URL.String()
		t.store(ctx, t.config.apiCache(), key, res, CategoryOther)
		t.prewarmStoryImages(ctx, res)
	}()
}

// prewarmLater pre-caches the photo of every story in a fresh list response.
// Individual failures never affect the list fetch that triggered them.
func (t *Transport) prewarmLater(res *CachedResponse) {
	t.background.Add(1)
	go func() {
		defer t.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		t.prewarmStoryImages(ctx, res)
	}()
}

func (t *Transport) prewarmStoryImages(ctx context.Context, res *CachedResponse) {
	var payload struct {
		ListStory []struct {
			PhotoURL string `json:"photoUrl"`
		} `json:"listStory"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return
	}
	cache := t.config.imageCache()
	for _, story := range payload.ListStory {
		if !strings.HasPrefix(story.PhotoURL, "https://") && !strings.HasPrefix(story.PhotoURL, "http://") {
			continue
		}
		if _, ok := t.match(ctx, cache, story.PhotoURL); ok {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, story.PhotoURL, nil)
		if err != nil {
			continue
		}
		img, err := t.fetchWithRetry(req, true)
		if err != nil {
			t.logger.Debug("failed to pre-warm story image", "url", story.PhotoURL, "error", err)
			continue
		}
		t.store(ctx, cache, story.PhotoURL, img, CategoryStoryImage)
	}
}

// cacheFirstImage serves story images and other images: cache hit wins,
// otherwise bounded-retry fetch with the 503 short-circuit, and on total
// failure the placeholder chain — cached default image first, generated SVG
// last. The caller always gets a drawable body.
func (t *Transport) cacheFirstImage(req *http.Request, category Category) *http.Response {
	key := req.URL.String()
	cache := t.config.imageCache()

	if cached, ok := t.match(req.Context(), cache, key); ok {
		return toResponse(req, cached)
	}
	res, err := t.fetchWithRetry(req, true)
	if err == nil {
		t.store(req.Context(), cache, key, res, category)
		return toResponse(req, res)
	}
	t.logger.Warn("image fetch failed, serving placeholder", "url", key, "error", err)
	if t.config.PlaceholderURL != "" {
		if cached, ok := t.match(req.Context(), cache, t.config.PlaceholderURL); ok {
			return toResponse(req, cached)
		}
	}
	return synthesizePlaceholderSVG(req)
}

// cacheFirstTile serves map tiles. Tiles are positional, so a placeholder
// would be wrong; total failure yields an empty 404.
func (t *Transport) cacheFirstTile(req *http.Request) *http.Response {
	key := req.URL.String()
	cache := t.config.imageCache()

	if cached, ok := t.match(req.Context(), cache, key); ok {
		return toResponse(req, cached)
	}
	res, err := t.fetchWithRetry(req, false)
	if err == nil {
		t.store(req.Context(), cache, key, res, CategoryMapTile)
		return toResponse(req, res)
	}
	return synthesizeEmpty404(req)
}

// cacheFirstAsset serves scripts and stylesheets with an inert fallback so
// page evaluation never throws on a missing asset.
func (t *Transport) cacheFirstAsset(req *http.Request) *http.Response {
	key := req.URL.String()
	cache := t.config.shellCache()

	if cached, ok := t.match(req.Context(), cache, key); ok {
		return toResponse(req, cached)
	}
	res, err := t.fetchWithRetry(req, false)
	if err == nil {
		t.store(req.Context(), cache, key, res, CategoryOther)
		return toResponse(req, res)
	}
	return synthesizeInertAsset(req, strings.ToLower(path.Ext(req.URL.Path)))
}

// cacheFirstNavigation serves top-level document loads, falling back to the
// cached app shell and finally a synthesized offline page.
func (t *Transport) cacheFirstNavigation(req *http.Request) *http.Response {
	key := req.URL.String()
	cache := t.config.shellCache()

	if cached, ok := t.match(req.Context(), cache, key); ok {
		return toResponse(req, cached)
	}
	res, err := t.fetchWithRetry(req, false)
	if err == nil {
		t.store(req.Context(), cache, key, res, CategoryOther)
		return toResponse(req, res)
	}
	if cached, ok := t.match(req.Context(), cache, t.config.ShellURL); ok {
		return toResponse(req, cached)
	}
	return synthesizeOfflineHTML(req)
}

// networkFirst serves everything without a more specific rule: live fetch,
// cache fallback, synthesized offline response as the last resort. Only GET
// responses are stored.
func (t *Transport) networkFirst(req *http.Request) *http.Response {
	key := req.URL.String()
	cache := t.config.shellCache()

	res, err := t.fetchBuffered(req)
	if err == nil && res.Status < 300 {
		if req.Method == http.MethodGet {
			t.store(req.Context(), cache, key, res, CategoryOther)
		}
		return toResponse(req, res)
	}
	if cached, ok := t.match(req.Context(), cache, key); ok {
		return toResponse(req, cached)
	}
	if res != nil {
		return toResponse(req, res)
	}
	t.logger.Warn("request failed with no cache", "url", key, "error", err)
	if acceptsHTML(req) {
		return synthesizeOfflineHTML(req)
	}
	return synthesizeOfflineJSON(req, "Service unavailable. Please check your connection.")
}

// InstallShell pre-caches the app shell and, when configured, the default
// placeholder image. Individual failures are logged and skipped so a partial
// install still leaves the app usable.
func (t *Transport) InstallShell(ctx context.Context, urls []string) error {
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("gateway: invalid shell url %q: %w", u, err)
		}
		res, err := t.fetchBuffered(req)
		if err != nil || res.Status >= 300 {
			t.logger.Warn("failed to pre-cache shell resource", "url", u, "error", err)
			continue
		}
		t.store(ctx, t.config.shellCache(), u, res, CategoryOther)
		if u == t.config.PlaceholderURL {
			t.store(ctx, t.config.imageCache(), u, res, CategoryOther)
		}
	}
	return nil
}

// WarmTiles pre-caches frequently used map tiles so first offline map views
// have something to draw.
func (t *Transport) WarmTiles(ctx context.Context, urls []string) {
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			continue
		}
		res, err := t.fetchBuffered(req)
		if err != nil || res.Status >= 300 {
			t.logger.Warn("failed to pre-cache map tile", "url", u, "error", err)
			continue
		}
		t.store(ctx, t.config.imageCache(), u, res, CategoryMapTile)
	}
}
