package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/internal/metrics"
)

// KeyFunc derives the counter a request is charged to.
type KeyFunc func(r *http.Request) string

// RouteLimit caps requests whose "METHOD /path" starts with Prefix.
type RouteLimit struct {
	Prefix   string
	Requests int
	Window   time.Duration
	Key      KeyFunc
}

// DefaultLimits covers the write paths and the expensive reads.
var DefaultLimits = []RouteLimit{
	{"POST /auth/signup", 10, time.Hour, ipKey},
	{"POST /auth/signin", 30, time.Hour, ipKey},
	{"GET /rooms", 120, time.Minute, sessionOrIPKey},
	{"POST /rooms/", 30, time.Minute, sessionOrIPKey},
	{"PATCH /messages/", 60, time.Minute, sessionOrIPKey},
	{"DELETE /messages/", 60, time.Minute, sessionOrIPKey},
	{"PUT /profiles/me", 20, time.Minute, sessionOrIPKey},
	{"POST /users", 30, time.Minute, ipKey},
	{"PUT /users/", 30, time.Minute, ipKey},
	{"POST /posts", 30, time.Minute, ipKey},
	{"PUT /posts/", 30, time.Minute, ipKey},
	{"GET /find", 30, time.Minute, ipKey},
	{"GET /realtime", 30, time.Minute, ipKey},
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool
	// Violations within an hour before an IP is blocked for a day
	BlockThreshold int64
	Limits         []RouteLimit
}

// RateLimiter counts requests per fixed window in Redis.
type RateLimiter struct {
	client  *redis.Client
	limits  []RouteLimit
	blocker *IPBlocker
	logger  zerolog.Logger

	nets []*net.IPNet
	ips  map[string]bool

	autoBlock      bool
	blockThreshold int64
}

// NewRateLimiter creates a rate limiter. Limits default to DefaultLimits.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits
	}
	// Longest prefix first so the most specific limit wins
	limits = append([]RouteLimit(nil), limits...)
	sort.SliceStable(limits, func(i, j int) bool { return len(limits[i].Prefix) > len(limits[j].Prefix) })

	threshold := cfg.BlockThreshold
	if threshold <= 0 {
		threshold = 10
	}

	rl := &RateLimiter{
		client:         client,
		limits:         limits,
		blocker:        NewIPBlocker(client),
		logger:         logger.With().Str("component", "ratelimit").Logger(),
		autoBlock:      cfg.AutoBlockEnabled,
		blockThreshold: threshold,
	}
	rl.ips, rl.nets = parseWhitelist(cfg.Whitelist, rl.logger)
	return rl
}

func parseWhitelist(entries []string, logger zerolog.Logger) (map[string]bool, []*net.IPNet) {
	ips := make(map[string]bool)
	var nets []*net.IPNet
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ips[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		nets = append(nets, ipNet)
	}
	if len(entries) > 0 {
		logger.Info().Int("ips", len(ips)).Int("cidrs", len(nets)).Msg("rate limit whitelist configured")
	}
	return ips, nets
}

func (rl *RateLimiter) exempt(ipStr string) bool {
	if rl.ips[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range rl.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "roomchat:rl:ip:" + RealIP(r)
}

// sessionOrIPKey keys signed-in callers by a hash of their token and
// anonymous callers by IP. The token is not verified here.
func sessionOrIPKey(r *http.Request) string {
	token := BearerToken(r)
	if token == "" {
		return ipKey(r)
	}
	sum := sha256.Sum256([]byte(token))
	return "roomchat:rl:session:" + hex.EncodeToString(sum[:16])
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Allow charges one request to key's current window and reports whether it
// fits, how many remain and when the window resets. Redis errors allow the
// request.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	bucket := now.Truncate(window)
	resetAt := bucket.Add(window)
	windowKey := key + ":" + strconv.FormatInt(bucket.Unix(), 10)

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.ExpireAt(ctx, windowKey, resetAt.Add(time.Second))
		return nil
	})
	if err != nil {
		rl.logger.Warn().Err(err).Msg("rate limit check failed")
		return true, limit, resetAt
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, resetAt
}

// Middleware enforces blocks and route limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.exempt(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().Str("event", "blocked_request").Str("ip", ip).Str("path", r.URL.Path).Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.Key(r)
		allowed, remaining, resetAt := rl.Allow(r.Context(), key, limit.Requests, limit.Window)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			h.Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			metrics.RateLimitHits.WithLabelValues(limit.Prefix).Inc()
			rl.violation(r.Context(), ip)
			rl.logger.Warn().Str("event", "rate_limit_exceeded").Str("ip", ip).Str("path", r.URL.Path).Str("key", key).Msg("rate limit exceeded")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// match returns the most specific limit for the request.
func (rl *RateLimiter) match(r *http.Request) (RouteLimit, bool) {
	route := r.Method + " " + r.URL.Path
	for _, l := range rl.limits {
		if strings.HasPrefix(route, l.Prefix) {
			return l, true
		}
	}
	return RouteLimit{}, false
}

// violation counts a rejected request and blocks IPs that keep hitting limits.
func (rl *RateLimiter) violation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	key := "roomchat:rl:violations:" + ip
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	if count == 1 {
		rl.client.Expire(ctx, key, time.Hour)
	}

	if count >= rl.blockThreshold {
		rl.blocker.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().Str("event", "ip_auto_blocked").Str("ip", ip).Int64("violations", count).Msg("IP auto-blocked")
	}
}

// IPBlocker keeps temporary IP blocks in Redis.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return "roomchat:blocked:" + ip
}

// IsBlocked reports whether ip is blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, _ := b.client.Exists(ctx, blockKey(ip)).Result()
	return n > 0
}

// Block blocks ip for d.
func (b *IPBlocker) Block(ctx context.Context, ip string, d time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, d)
}
