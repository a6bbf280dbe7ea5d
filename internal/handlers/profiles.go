package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
)

// UpdateProfileRequest represents the profile update request.
type UpdateProfileRequest struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// GetProfile handles profile lookup.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid user ID format")
		return
	}

	profile, err := h.db.GetProfile(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if profile == nil {
		h.Error(w, http.StatusNotFound, "profile not found")
		return
	}

	h.JSON(w, http.StatusOK, profile)
}

// UpdateMyProfile sets the caller's username and avatar.
func (h *Handler) UpdateMyProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	username := sanitizeName(req.Username)
	if username == "" {
		h.Error(w, http.StatusBadRequest, "username is required")
		return
	}
	if req.AvatarURL != "" {
		u, err := url.Parse(req.AvatarURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			h.Error(w, http.StatusBadRequest, "avatar_url must be an http(s) URL")
			return
		}
	}

	profile, err := h.db.UpsertProfile(r.Context(), userID, username, req.AvatarURL)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	h.JSON(w, http.StatusOK, profile)
}
