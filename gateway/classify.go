// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// requestClass is the strategy chosen for a request. Classification rules
// run in a fixed order; first match wins.
type requestClass int

const (
	classPassThrough requestClass = iota // non-HTTP schemes, left untouched
	classAuth                            // login/register: network-only
	classAPIStories                      // story list/detail: stale-while-revalidate
	classStoryImage                      // API-hosted story photos: cache-first + placeholder chain
	classMapTile                         // tile provider: cache-first, empty 404 on failure
	classImage                           // other images: cache-first + placeholder chain
	classAsset                           // scripts/styles: cache-first + inert fallback
	classNavigation                      // document loads: cache-first + shell fallback
	classDefault                         // everything else: network-first
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true, ".bmp": true, ".avif": true,
}

var assetExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true,
}

func (t *Transport) classify(req *http.Request) requestClass {
	u := req.URL
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return classPassThrough
	}

	if api, ok := t.apiPath(u); ok {
		switch {
		case api == "/login" || api == "/register":
			return classAuth
		case strings.HasPrefix(api, "/images/stories/"):
			return classStoryImage
		case api == "/stories" || strings.HasPrefix(api, "/stories/"):
			// Only reads are served stale; story creation must reach
			// the network or fail loudly so the caller can queue it.
			if req.Method == http.MethodGet {
				return classAPIStories
			}
			return classDefault
		}
		// Other API endpoints fall through to the default strategy.
		return classDefault
	}

	host := u.Hostname()
	for _, tileHost := range t.config.TileHosts {
		if strings.HasSuffix(host, tileHost) {
			return classMapTile
		}
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if imageExtensions[ext] || strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return classImage
	}
	if assetExtensions[ext] {
		return classAsset
	}
	if req.Method == http.MethodGet && acceptsHTML(req) {
		return classNavigation
	}
	return classDefault
}

// apiPath returns the request path relative to the API base when the request
// targets the API origin, handling both the versioned base path and sibling
// paths (such as image hosting) on the same origin.
func (t *Transport) apiPath(u *url.URL) (string, bool) {
	if t.apiURL == nil || u.Host != t.apiURL.Host {
		return "", false
	}
	if rest, ok := strings.CutPrefix(u.Path, strings.TrimSuffix(t.apiURL.Path, "/")); ok && (rest == "" || rest[0] == '/') {
		if rest == "" {
			rest = "/"
		}
		return rest, true
	}
	return u.Path, true
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
