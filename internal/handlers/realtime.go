package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
	"github.com/eldtechnologies/roomchat/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with a token, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Realtime upgrades an authenticated request to a realtime websocket. The
// token comes from the token query parameter or the Authorization header.
func (h *Handler) Realtime(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.Error(w, http.StatusServiceUnavailable, "realtime not available")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.BearerToken(r)
	}
	if token == "" {
		h.Error(w, http.StatusUnauthorized, "missing token")
		return
	}

	claims, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "invalid token subject")
		return
	}

	profile, err := h.ensureProfile(r.Context(), userID, claims.Email)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := realtime.NewClient(h.hub, conn, userID.String(), profile.Username)
	h.hub.Register(client)

	h.logger.Debug().Str("user_id", client.UserID).Msg("realtime connected")

	go client.WritePump()
	client.ReadPump()
}
