package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/internal/auth"
	"github.com/eldtechnologies/roomchat/internal/models"
	"github.com/eldtechnologies/roomchat/internal/realtime"
	"github.com/eldtechnologies/roomchat/internal/store"
)

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// TokenVerifier checks a raw session token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// Options are the dependencies of the HTTP handlers. Redis is optional.
type Options struct {
	Store    store.DataStore
	Redis    *store.RedisStore
	Tokens   *auth.TokenManager
	Verifier TokenVerifier
	Revoker  store.TokenRevoker
	Broker   realtime.Broker
	Hub      *realtime.Hub
	Rooms    []string
	Logger   zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       store.DataStore
	redis    *store.RedisStore
	tokens   *auth.TokenManager
	verifier TokenVerifier
	revoker  store.TokenRevoker
	broker   realtime.Broker
	hub      *realtime.Hub
	rooms    []string
	logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	return &Handler{
		db:       opts.Store,
		redis:    opts.Redis,
		tokens:   opts.Tokens,
		verifier: opts.Verifier,
		revoker:  opts.Revoker,
		broker:   opts.Broker,
		hub:      opts.Hub,
		rooms:    opts.Rooms,
		logger:   opts.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ensureProfile returns the profile of a user, creating it from the email
// local part on first appearance.
func (h *Handler) ensureProfile(ctx context.Context, userID uuid.UUID, email string) (*models.Profile, error) {
	profile, err := h.db.GetProfile(ctx, userID)
	if err != nil || profile != nil {
		return profile, err
	}

	username := sanitizeName(strings.SplitN(email, "@", 2)[0])
	if username == "" {
		username = "user-" + userID.String()[:8]
	}
	return h.db.UpsertProfile(ctx, userID, username, "")
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if runes := []rune(name); len(runes) > 100 {
		name = string(runes[:100])
	}

	return name
}

// isValidEmail validates email addresses using RFC 5322 pattern.
func isValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}
