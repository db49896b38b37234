// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-storysync/storystore"
)

const (
	metaKeyToken = "token"
	metaKeyUser  = "user"
)

// ErrNotAuthenticated is returned when no token is stored. Absence of the
// token slot is the definition of "not logged in".
var ErrNotAuthenticated = errors.New("storysync: not authenticated")

// AuthState persists the bearer token and user profile in the durable
// store's key/value slot so both execution contexts can read them without
// sharing memory.
type AuthState struct {
	store *storystore.Store
}

// NewAuthState creates auth state over the given store.
func NewAuthState(store *storystore.Store) *AuthState {
	return &AuthState{store: store}
}

// SaveLogin persists a successful login.
func (a *AuthState) SaveLogin(ctx context.Context, res *LoginResult) error {
	if err := a.store.SetMeta(ctx, metaKeyToken, res.Token); err != nil {
		return err
	}
	user, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode login result: %w", err)
	}
	return a.store.SetMeta(ctx, metaKeyUser, string(user))
}

// Token returns the stored bearer token or ErrNotAuthenticated.
func (a *AuthState) Token(ctx context.Context) (string, error) {
	token, err := a.store.GetMeta(ctx, metaKeyToken)
	if errors.Is(err, storystore.ErrNotFound) {
		return "", ErrNotAuthenticated
	}
	return token, err
}

// IsAuthenticated reports whether a token is stored.
func (a *AuthState) IsAuthenticated(ctx context.Context) bool {
	_, err := a.Token(ctx)
	return err == nil
}

// User returns the stored user profile or ErrNotAuthenticated.
func (a *AuthState) User(ctx context.Context) (*LoginResult, error) {
	raw, err := a.store.GetMeta(ctx, metaKeyUser)
	if errors.Is(err, storystore.ErrNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	var res LoginResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("failed to decode stored user: %w", err)
	}
	return &res, nil
}

// Logout clears the token and user slots.
func (a *AuthState) Logout(ctx context.Context) error {
	if err := a.store.DeleteMeta(ctx, metaKeyToken); err != nil {
		return err
	}
	return a.store.DeleteMeta(ctx, metaKeyUser)
}
