package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
	"github.com/eldtechnologies/roomchat/internal/auth"
	"github.com/eldtechnologies/roomchat/internal/metrics"
	"github.com/eldtechnologies/roomchat/internal/models"
	"github.com/eldtechnologies/roomchat/internal/store"
)

// CredentialsRequest is the body of sign up and sign in.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse describes the current session.
type SessionResponse struct {
	User      *models.User    `json:"user"`
	Profile   *models.Profile `json:"profile"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func decodeCredentials(r *http.Request) (CredentialsRequest, error) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return req, errors.New("email and password are required")
	}
	if !isValidEmail(req.Email) {
		return req, errors.New("invalid email format")
	}
	return req, nil
}

// SignUp creates a user and returns a session.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrWeakPassword) {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user, err := h.db.CreateUser(r.Context(), req.Email, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.Error(w, http.StatusConflict, "email already registered")
			return
		}
		h.logger.Error().Err(err).Msg("create user failed")
		h.Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	metrics.UsersSignedUp.Inc()

	session, err := h.tokens.Issue(user)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	h.JSON(w, http.StatusCreated, session)
}

// SignIn exchanges credentials for a session.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if user == nil || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
		h.Error(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	session, err := h.tokens.Issue(user)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	h.JSON(w, http.StatusOK, session)
}

// SignOut revokes the presented token for the rest of its lifetime.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if ttl := claims.Remaining(); ttl > 0 {
		if err := h.revoker.Revoke(r.Context(), claims.ID, ttl); err != nil {
			h.logger.Error().Err(err).Msg("revoke token failed")
			h.Error(w, http.StatusInternalServerError, "failed to sign out")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// Session returns the signed-in user and profile.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := h.db.GetUserByID(r.Context(), userID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "user no longer exists")
		return
	}

	profile, err := h.ensureProfile(r.Context(), user.ID, user.Email)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	h.JSON(w, http.StatusOK, SessionResponse{
		User:      user,
		Profile:   profile,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}
