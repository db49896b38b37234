// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// EncodeDataURL packs raw image bytes into a data: URI so a locally captured
// photo survives in the durable store until it is uploaded. An empty mime is
// sniffed from the bytes.
func EncodeDataURL(mime string, data []byte) string {
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL unpacks a data: URI back into its mime type and raw bytes.
func DecodeDataURL(s string) (mime string, data []byte, err error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("not a data url")
	}
	rest := s[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", nil, fmt.Errorf("malformed data url: missing comma")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("unsupported data url encoding: %q", meta)
	}
	mime = strings.TrimSuffix(meta, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data url payload: %w", err)
	}
	return mime, data, nil
}

// IsDataURL reports whether s is a data: URI.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}
