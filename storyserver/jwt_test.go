// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	auth := NewJWTAuth("secret")

	token, err := auth.GenerateToken("user-1", "Maya", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "Maya", claims.Name)
}

func TestJWTWrongSecretRejected(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "Maya", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTExpiredRejected(t *testing.T) {
	auth := NewJWTAuth("secret")
	token, err := auth.GenerateToken("user-1", "Maya", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestClaimsFromRequest(t *testing.T) {
	auth := NewJWTAuth("secret")
	token, err := auth.GenerateToken("user-1", "Maya", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/stories", nil)
	require.NoError(t, err)

	_, err = auth.ClaimsFromRequest(req)
	require.Error(t, err, "missing header must be rejected")

	req.Header.Set("Authorization", token)
	_, err = auth.ClaimsFromRequest(req)
	require.Error(t, err, "non-bearer header must be rejected")

	req.Header.Set("Authorization", "Bearer "+token)
	claims, err := auth.ClaimsFromRequest(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
}
