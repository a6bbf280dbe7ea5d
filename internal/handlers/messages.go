package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
	"github.com/eldtechnologies/roomchat/internal/metrics"
	"github.com/eldtechnologies/roomchat/internal/models"
)

// EditMessageRequest represents the edit message request.
type EditMessageRequest struct {
	Text string `json:"text"`
}

// ownedMessage loads a message and checks the caller wrote it. It writes the
// error response and returns nil when the caller may not proceed.
func (h *Handler) ownedMessage(w http.ResponseWriter, r *http.Request) *models.Message {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	msg, err := h.db.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return nil
	}
	if msg.UserID != userID.String() {
		h.Error(w, http.StatusForbidden, "only the author can change a message")
		return nil
	}
	return msg
}

// EditMessage replaces the text of the caller's message.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	text, status, errMsg := validateText(req.Text)
	if status != 0 {
		h.Error(w, status, errMsg)
		return
	}

	old := h.ownedMessage(w, r)
	if old == nil {
		return
	}

	updated, err := h.db.UpdateMessageText(r.Context(), old.ID, text)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update message")
		return
	}
	if updated == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	metrics.MessageWrites.WithLabelValues("update").Inc()

	h.publish(r.Context(), models.ChangeEvent{Op: models.OpUpdate, Room: updated.Room, New: updated, Old: old})
	h.index(r.Context(), old, updated)

	h.JSON(w, http.StatusOK, updated)
}

// DeleteMessage removes the caller's message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg := h.ownedMessage(w, r)
	if msg == nil {
		return
	}

	old, err := h.db.DeleteMessage(r.Context(), msg.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	if old == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	metrics.MessageWrites.WithLabelValues("delete").Inc()

	h.publish(r.Context(), models.ChangeEvent{Op: models.OpDelete, Room: old.Room, Old: old})
	h.index(r.Context(), old, nil)

	w.WriteHeader(http.StatusNoContent)
}
