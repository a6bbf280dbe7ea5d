package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/eldtechnologies/roomchat/internal/auth"
	"github.com/eldtechnologies/roomchat/internal/store"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// AuthMiddleware verifies bearer session tokens.
type AuthMiddleware struct {
	tokens  *auth.TokenManager
	revoker store.TokenRevoker
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokens *auth.TokenManager, revoker store.TokenRevoker) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, revoker: revoker}
}

// RequireAuth rejects requests without a valid, unrevoked bearer token.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := m.Verify(r.Context(), token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses a raw token and checks it has not been signed out.
func (m *AuthMiddleware) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := m.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if m.revoker != nil && m.revoker.IsRevoked(ctx, claims.ID) {
		return nil, auth.ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetClaimsFromContext retrieves the verified token claims from the request context.
func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetUserIDFromContext returns the authenticated user's id.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	claims := GetClaimsFromContext(ctx)
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
