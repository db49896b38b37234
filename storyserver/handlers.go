// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package storyserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mobiletoly/go-storysync/internal/auth"
)

// storyJSON is the wire representation of a story.
type storyJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhotoURL    string    `json:"photoUrl"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) storyToJSON(r *http.Request, story *StoryRow) storyJSON {
	out := storyJSON{
		ID:          story.ID,
		Name:        story.Name,
		Description: story.Description,
		Lat:         story.Lat,
		Lon:         story.Lon,
		CreatedAt:   story.CreatedAt,
	}
	if story.PhotoFile != "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		out.PhotoURL = fmt.Sprintf("%s://%s/images/stories/%s", scheme, r.Host, story.PhotoFile)
	}
	return out
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	switch {
	case req.Name == "":
		s.writeError(w, http.StatusBadRequest, "Name is required")
		return
	case req.Email == "" || !strings.Contains(req.Email, "@"):
		s.writeError(w, http.StatusBadRequest, "A valid email is required")
		return
	case len(req.Password) < s.config.MinPasswordLen:
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Password must be at least %d characters", s.config.MinPasswordLen))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("failed to hash password", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	user := &User{
		ID:           "user-" + uuid.New().String(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			s.writeError(w, http.StatusBadRequest, "Email is already taken")
			return
		}
		s.logger.Error("failed to create user", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	s.logger.Info("user registered", "user_id", user.ID)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"error":   false,
		"message": "User created successfully",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := s.store.UserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("failed to look up user", "error", err)
		}
		s.writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		s.writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	token, err := s.jwt.GenerateToken(user.ID, user.Name, s.config.TokenTTL)
	if err != nil {
		s.logger.Error("failed to generate token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"error":   false,
		"message": "success",
		"loginResult": map[string]string{
			"userId": user.ID,
			"name":   user.Name,
			"token":  token,
		},
	})
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := s.store.ListStories(r.Context())
	if err != nil {
		s.logger.Error("failed to list stories", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch stories")
		return
	}
	list := make([]storyJSON, 0, len(stories))
	for i := range stories {
		list = append(list, s.storyToJSON(r, &stories[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"error":     false,
		"message":   "Stories fetched successfully",
		"listStory": list,
	})
}

func (s *Server) handleStoryByID(w http.ResponseWriter, r *http.Request) {
	story, err := s.store.StoryByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Story not found")
			return
		}
		s.logger.Error("failed to fetch story", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch story")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"error":   false,
		"message": "Story fetched successfully",
		"story":   s.storyToJSON(r, story),
	})
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserID(r.Context())
	userName, _ := auth.GetUserName(r.Context())

	// Photo cap plus headroom for the other form fields.
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxPhotoBytes+(64<<10))
	if err := r.ParseMultipartForm(s.config.MaxPhotoBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Photo exceeds the maximum allowed size")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	description := strings.TrimSpace(r.FormValue("description"))
	if description == "" {
		s.writeError(w, http.StatusBadRequest, "Description is required")
		return
	}

	var lat, lon *float64
	latField, lonField := r.FormValue("lat"), r.FormValue("lon")
	if latField != "" || lonField != "" {
		latVal, errLat := strconv.ParseFloat(latField, 64)
		lonVal, errLon := strconv.ParseFloat(lonField, 64)
		if errLat != nil || errLon != nil {
			s.writeError(w, http.StatusBadRequest, "lat and lon must both be valid numbers")
			return
		}
		lat, lon = &latVal, &lonVal
	}

	var photoFile string
	if file, header, err := r.FormFile("photo"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, s.config.MaxPhotoBytes+1))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Failed to read photo")
			return
		}
		if int64(len(data)) > s.config.MaxPhotoBytes {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Photo exceeds the maximum allowed size")
			return
		}
		contentType := http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			s.writeError(w, http.StatusBadRequest, "Photo must be an image")
			return
		}
		photoFile = uuid.New().String() + photoExt(contentType, header.Filename)
		if err := s.store.SavePhoto(r.Context(), &Photo{
			File:        photoFile,
			ContentType: contentType,
			Data:        data,
		}); err != nil {
			s.logger.Error("failed to save photo", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to save photo")
			return
		}
	}

	story := &StoryRow{
		ID:          "story-" + uuid.New().String(),
		UserID:      userID,
		Name:        userName,
		Description: description,
		PhotoFile:   photoFile,
		Lat:         lat,
		Lon:         lon,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateStory(r.Context(), story); err != nil {
		s.logger.Error("failed to create story", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create story")
		return
	}

	s.logger.Info("story created", "story_id", story.ID, "user_id", userID)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"error":   false,
		"message": "Story created successfully",
		"story":   s.storyToJSON(r, story),
	})
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	photo, err := s.store.PhotoByFile(r.Context(), chi.URLParam(r, "file"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Photo not found")
			return
		}
		s.logger.Error("failed to fetch photo", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch photo")
		return
	}
	w.Header().Set("Content-Type", photo.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(photo.Data)))
	_, _ = w.Write(photo.Data)
}

// photoExt picks a file extension from the detected content type, falling
// back to the uploaded name's extension.
func photoExt(contentType, filename string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i:]
	}
	return ".bin"
}
