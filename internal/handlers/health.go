package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check statuses reported by Health.
const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckSkip = "skip"
)

// Check is the result of probing one dependency.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string           `json:"status"` // healthy or degraded
	Version   string           `json:"version"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func checkPing(ctx context.Context, p pinger) Check {
	if p == nil {
		return Check{Status: CheckSkip, Message: "not configured"}
	}
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Check{Status: CheckFail, Message: "connection failed"}
	}
	return Check{Status: CheckPass, Latency: time.Since(start).Round(time.Microsecond).String()}
}

// Health reports database and Redis reachability. It answers 503 when any
// configured dependency fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var redis pinger
	if h.redis != nil {
		redis = h.redis
	}
	resp := HealthResponse{
		Status:  "healthy",
		Version: version,
		Checks: map[string]Check{
			"database": checkPing(ctx, h.db),
			"redis":    checkPing(ctx, redis),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	resp.Instance, _ = os.Hostname()

	code := http.StatusOK
	for _, c := range resp.Checks {
		if c.Status == CheckFail {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	h.JSON(w, code, resp)
}

// RootResponse describes the API.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Rooms     []string `json:"rooms"`
	Realtime  string   `json:"realtime"`
	Resources []string `json:"resources"`
}

// Root handles GET /api.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:      "roomchat",
		Version:   version,
		Rooms:     h.rooms,
		Realtime:  "/realtime",
		Resources: []string{"users", "posts"},
	})
}
