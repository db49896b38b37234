// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobiletoly/go-storysync/internal/auth"
)

// Server is the story API server.
type Server struct {
	store  Store
	jwt    *JWTAuth
	config *Config
	logger *slog.Logger
}

// NewServer wires the API server over a Store.
func NewServer(store Store, config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		jwt:    NewJWTAuth(config.JWTSecret),
		config: config,
		logger: logger,
	}
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Get("/images/stories/{file}", s.handlePhoto)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/stories", s.handleListStories)
		r.Get("/stories/{id}", s.handleStoryByID)
		r.Post("/stories", s.handleCreateStory)
	})

	return r
}

// requireAuth validates the bearer token and stores the caller's identity in
// the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.jwt.ClaimsFromRequest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "Missing or invalid authentication token")
			return
		}
		ctx := auth.SetUserID(r.Context(), claims.Subject)
		ctx = auth.SetUserName(ctx, claims.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error":   true,
		"message": message,
	})
}
