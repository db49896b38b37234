// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// offlineError is the fixed-shape JSON error body synthesized when a
// network-only or network-first request cannot be served at all.
type offlineError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

const (
	errCodeOffline = "offline"

	offlineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available offline. Check your connection and try again.</p>
</body>
</html>
`

	// Inert bodies keep page evaluation from throwing when an asset cannot
	// be served.
	noopScript = "/* offline */\n"
	emptyStyle = "/* offline */\n"
)

// placeholderSVG is the generated last-resort story image.
var placeholderSVG = []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">
<rect width="400" height="300" fill="#e5e7eb"/>
<text x="200" y="150" text-anchor="middle" font-family="sans-serif" font-size="18" fill="#6b7280">Image unavailable</text>
</svg>
`)

// synthesize builds a complete in-memory response so callers never see a nil
// response or an unhandled transport error.
func synthesize(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func synthesizeOfflineJSON(req *http.Request, message string) *http.Response {
	body, _ := json.Marshal(offlineError{
		Error:     errCodeOffline,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return synthesize(req, http.StatusServiceUnavailable, "application/json", body)
}

// synthesizeOfflineStories keeps the story list shape intact so list
// consumers degrade to an empty list instead of a parse error.
func synthesizeOfflineStories(req *http.Request) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"error":     errCodeOffline,
		"listStory": []any{},
		"message":   "Unable to fetch stories. Please check your connection.",
	})
	return synthesize(req, http.StatusServiceUnavailable, "application/json", body)
}

func synthesizeOfflineHTML(req *http.Request) *http.Response {
	return synthesize(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlineHTML))
}

func synthesizePlaceholderSVG(req *http.Request) *http.Response {
	return synthesize(req, http.StatusOK, "image/svg+xml", placeholderSVG)
}

func synthesizeEmpty404(req *http.Request) *http.Response {
	return synthesize(req, http.StatusNotFound, "text/plain", nil)
}

func synthesizeInertAsset(req *http.Request, ext string) *http.Response {
	if ext == ".css" {
		return synthesize(req, http.StatusOK, "text/css", []byte(emptyStyle))
	}
	return synthesize(req, http.StatusOK, "application/javascript", []byte(noopScript))
}
