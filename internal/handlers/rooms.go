package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
	"github.com/eldtechnologies/roomchat/internal/metrics"
	"github.com/eldtechnologies/roomchat/internal/models"
	"github.com/eldtechnologies/roomchat/internal/store"
)

// MaxMessageLength is the longest message text accepted, in characters.
const MaxMessageLength = 1000

// Room name validation: alphanumeric, hyphens, underscores, 1-50 chars
var roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// RoomInfo represents a room in the list response.
type RoomInfo struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
}

// RoomListResponse represents the rooms list response.
type RoomListResponse struct {
	Rooms []RoomInfo `json:"rooms"`
	Total int        `json:"total"`
}

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	Room     string           `json:"room"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// ListRooms lists the configured rooms and any other room with messages.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.CountMessagesByRoom(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	rooms := make([]RoomInfo, 0, len(h.rooms)+len(counts))
	seen := make(map[string]bool)
	for _, name := range h.rooms {
		seen[name] = true
		rooms = append(rooms, RoomInfo{Name: name, MessageCount: counts[name]})
	}

	var extra []string
	for name := range counts {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		rooms = append(rooms, RoomInfo{Name: name, MessageCount: counts[name]})
	}

	h.JSON(w, http.StatusOK, RoomListResponse{Rooms: rooms, Total: len(rooms)})
}

// ListMessages returns the newest page of a room in ascending order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if !roomNameRegex.MatchString(room) {
		h.Error(w, http.StatusBadRequest, "invalid room name")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 200 {
		limit = 200
	}

	var before time.Time
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		b, err := time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = b
	}

	// +1 for has_more check
	messages, err := h.db.ListMessages(r.Context(), room, limit+1, before)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	hasMore := len(messages) > limit
	if hasMore {
		// Ascending order, so the extra row is the oldest
		messages = messages[1:]
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, RoomMessagesResponse{
		Room:     room,
		Messages: messages,
		HasMore:  hasMore,
	})
}

// validateText trims message text and reports the status for invalid input.
func validateText(text string) (string, int, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", http.StatusBadRequest, "text is required"
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", http.StatusUnprocessableEntity, "text too long (max 1000 characters)"
	}
	return text, 0, ""
}

// PostMessage handles posting a message to a room (authenticated). A retry
// carrying an already stored client_id returns the stored row.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	room := chi.URLParam(r, "room")
	if !roomNameRegex.MatchString(room) {
		h.Error(w, http.StatusBadRequest, "invalid room name")
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	text, status, msg := validateText(req.Text)
	if status != 0 {
		h.Error(w, status, msg)
		return
	}
	if len(req.ClientID) > 64 {
		h.Error(w, http.StatusBadRequest, "client_id too long (max 64 bytes)")
		return
	}

	ctx := r.Context()
	if req.ClientID != "" {
		existing, err := h.db.GetMessageByClientID(ctx, userID.String(), req.ClientID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if existing != nil {
			h.JSON(w, http.StatusOK, existing)
			return
		}
	}

	if _, err := h.ensureProfile(ctx, userID, claims.Email); err != nil {
		h.logger.Error().Err(err).Msg("ensure profile failed")
		h.Error(w, http.StatusInternalServerError, "failed to create profile")
		return
	}

	row := &models.Message{
		ClientID: req.ClientID,
		Room:     room,
		UserID:   userID.String(),
		Text:     text,
	}
	if err := h.db.InsertMessage(ctx, row); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent retry of the same send
			existing, gerr := h.db.GetMessageByClientID(ctx, userID.String(), req.ClientID)
			if gerr == nil && existing != nil {
				h.JSON(w, http.StatusOK, existing)
				return
			}
		}
		h.logger.Error().Err(err).Str("room", room).Msg("insert message failed")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	// Re-read to embed the author
	stored, err := h.db.GetMessage(ctx, row.ID)
	if err != nil || stored == nil {
		stored = row
	}
	metrics.MessageWrites.WithLabelValues("insert").Inc()

	h.publish(ctx, models.ChangeEvent{Op: models.OpInsert, Room: room, New: stored})
	h.index(ctx, nil, stored)

	h.JSON(w, http.StatusCreated, stored)
}

// publish hands a change to the broker. Failures are logged; the write
// already committed.
func (h *Handler) publish(ctx context.Context, ev models.ChangeEvent) {
	if h.broker == nil {
		return
	}
	ev.Table = "messages"
	ev.CommitTimestamp = time.Now().UTC()
	if err := h.broker.Publish(ctx, ev); err != nil {
		h.logger.Warn().Err(err).Str("op", string(ev.Op)).Msg("publish change failed")
	}
}

// index moves a message in the search index from its prev to its next text.
func (h *Handler) index(ctx context.Context, prev, next *models.Message) {
	if h.redis == nil {
		return
	}
	if prev != nil {
		if err := h.redis.UnindexMessage(ctx, prev); err != nil {
			h.logger.Warn().Err(err).Msg("unindex message failed")
		}
	}
	if next != nil {
		if err := h.redis.IndexMessage(ctx, next); err != nil {
			h.logger.Warn().Err(err).Msg("index message failed")
		}
	}
}
