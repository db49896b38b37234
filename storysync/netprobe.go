// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import (
	"context"
	"net/http"
	"time"
)

// Probe answers "does the device currently have connectivity?". The
// repository consults it before choosing the network or the local store.
type Probe interface {
	Online(ctx context.Context) bool
}

// HTTPProbe decides connectivity by issuing a cheap HEAD request. Any
// response at all — even an error status — means the network path works;
// only a transport failure counts as offline.
type HTTPProbe struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPProbe creates a probe against the given URL.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:  url,
		HTTP: &http.Client{Timeout: 3 * time.Second},
	}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// StaticProbe reports a fixed answer; used in tests and by callers that
// track connectivity through platform events instead of probing.
type StaticProbe bool

func (p StaticProbe) Online(context.Context) bool { return bool(p) }
