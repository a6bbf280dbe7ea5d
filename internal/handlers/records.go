package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
	"github.com/eldtechnologies/roomchat/internal/metrics"
	"github.com/eldtechnologies/roomchat/internal/models"
)

// recordFields lists the required string fields of each resource.
var recordFields = map[string][]string{
	"users": {"name", "email"},
	"posts": {"title", "body"},
	"todos": {"task"},
}

// ownedResources are private to the user who created each record. Their
// routes sit behind RequireAuth.
var ownedResources = map[string]bool{
	"todos": true,
}

// RecordListResponse represents a demo resource listing.
type RecordListResponse struct {
	Records []models.Record `json:"records"`
	Total   int             `json:"total"`
}

// decodeRecord validates a record body against the resource's required
// fields and returns it re-encoded without server-owned keys.
func decodeRecord(resource string, r *http.Request) (json.RawMessage, error) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data == nil {
		return nil, errors.New("body must be a JSON object")
	}
	delete(data, "id")
	delete(data, "user_id")
	delete(data, "created_at")
	delete(data, "updated_at")

	for _, field := range recordFields[resource] {
		s, _ := data[field].(string)
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("%s is required", field)
		}
		data[field] = s
	}
	switch resource {
	case "users":
		if !isValidEmail(data["email"].(string)) {
			return nil, errors.New("invalid email format")
		}
	case "todos":
		done, present := data["is_complete"]
		if !present {
			data["is_complete"] = false
		} else if _, ok := done.(bool); !ok {
			return nil, errors.New("is_complete must be a boolean")
		}
	}

	return json.Marshal(data)
}

// recordOwner returns the id records of resource are scoped to: the caller
// for owned resources, empty otherwise. ok is false once an error response
// has been written.
func (h *Handler) recordOwner(w http.ResponseWriter, r *http.Request, resource string) (owner string, ok bool) {
	if !ownedResources[resource] {
		return "", true
	}
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID.String(), true
}

// ownedRecord loads the record named by the URL and checks the caller may
// touch it. It writes the error response and returns nil otherwise.
func (h *Handler) ownedRecord(w http.ResponseWriter, r *http.Request, resource string) *models.Record {
	owner, ok := h.recordOwner(w, r, resource)
	if !ok {
		return nil
	}

	rec, err := h.db.GetRecord(r.Context(), resource, chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil
	}
	if rec == nil {
		h.Error(w, http.StatusNotFound, "record not found")
		return nil
	}
	if owner != "" && rec.OwnerID != owner {
		h.Error(w, http.StatusForbidden, "record belongs to another user")
		return nil
	}
	return rec
}

// ListRecords lists the records of a resource, only the caller's for owned
// resources.
func (h *Handler) ListRecords(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := h.recordOwner(w, r, resource)
		if !ok {
			return
		}
		records, err := h.db.ListRecords(r.Context(), resource, owner)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if records == nil {
			records = []models.Record{}
		}
		h.JSON(w, http.StatusOK, RecordListResponse{Records: records, Total: len(records)})
	}
}

// GetRecord returns one record of a resource.
func (h *Handler) GetRecord(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := h.ownedRecord(w, r, resource)
		if rec == nil {
			return
		}
		h.JSON(w, http.StatusOK, rec)
	}
}

// CreateRecord stores a new record of a resource.
func (h *Handler) CreateRecord(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := h.recordOwner(w, r, resource)
		if !ok {
			return
		}
		data, err := decodeRecord(resource, r)
		if err != nil {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}

		rec, err := h.db.CreateRecord(r.Context(), resource, owner, data)
		if err != nil {
			h.logger.Error().Err(err).Str("resource", resource).Msg("create record failed")
			h.Error(w, http.StatusInternalServerError, "failed to create record")
			return
		}
		metrics.RecordWrites.WithLabelValues(resource, "create").Inc()

		h.JSON(w, http.StatusCreated, rec)
	}
}

// UpdateRecord replaces the data of a record.
func (h *Handler) UpdateRecord(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ownedResources[resource] && h.ownedRecord(w, r, resource) == nil {
			return
		}
		data, err := decodeRecord(resource, r)
		if err != nil {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}

		rec, err := h.db.UpdateRecord(r.Context(), resource, chi.URLParam(r, "id"), data)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to update record")
			return
		}
		if rec == nil {
			h.Error(w, http.StatusNotFound, "record not found")
			return
		}
		metrics.RecordWrites.WithLabelValues(resource, "update").Inc()

		h.JSON(w, http.StatusOK, rec)
	}
}

// DeleteRecord removes a record.
func (h *Handler) DeleteRecord(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ownedResources[resource] && h.ownedRecord(w, r, resource) == nil {
			return
		}
		found, err := h.db.DeleteRecord(r.Context(), resource, chi.URLParam(r, "id"))
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to delete record")
			return
		}
		if !found {
			h.Error(w, http.StatusNotFound, "record not found")
			return
		}
		metrics.RecordWrites.WithLabelValues(resource, "delete").Inc()

		w.WriteHeader(http.StatusNoContent)
	}
}
