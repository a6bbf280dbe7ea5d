package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/roomchat/internal/metrics"
)

const (
	maxQueryLen        = 100
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// SearchResult is a message matched by a search.
type SearchResult struct {
	MessageID string    `json:"id"`
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResponse is the body of GET /find.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

func searchLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil || n <= 0:
		return defaultSearchLimit
	case n > maxSearchLimit:
		return maxSearchLimit
	}
	return n
}

// Search finds messages containing every term of q, newest first.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.redis == nil {
		h.Error(w, http.StatusServiceUnavailable, "search requires redis")
		return
	}

	params := r.URL.Query()
	query := params.Get("q")
	switch {
	case query == "":
		h.Error(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	case len(query) > maxQueryLen:
		h.Error(w, http.StatusBadRequest, "query too long (max 100 chars)")
		return
	}

	room := params.Get("room")
	if room != "" && !roomNameRegex.MatchString(room) {
		h.Error(w, http.StatusBadRequest, "invalid room name")
		return
	}

	metrics.SearchQueries.Inc()

	refs, err := h.redis.SearchMessages(r.Context(), query, room, searchLimit(params.Get("limit")))
	if err != nil {
		h.logger.Error().Err(err).Msg("search failed")
		h.Error(w, http.StatusInternalServerError, "search failed")
		return
	}

	results := make([]SearchResult, 0, len(refs))
	for _, ref := range refs {
		// The index can lag a delete
		msg, err := h.db.GetMessage(r.Context(), ref.MessageID)
		if err != nil || msg == nil {
			continue
		}
		res := SearchResult{
			MessageID: msg.ID,
			Room:      msg.Room,
			UserID:    msg.UserID,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
		}
		if msg.Author != nil {
			res.Username = msg.Author.Username
		}
		results = append(results, res)
	}

	h.JSON(w, http.StatusOK, SearchResponse{Query: query, Results: results, Total: len(results)})
}
