package middleware

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/metrics"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// Backend stores rate limit counters, violations and IP blocks.
type Backend interface {
	// CheckAndIncrement counts one request against key and reports whether
	// it is within limit, how many requests remain and when the window resets.
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time)
	// Violation records a rate limit violation for ip and returns the count
	// within the last hour.
	Violation(ctx context.Context, ip string) int64
	IsBlocked(ctx context.Context, ip string) bool
	Block(ctx context.Context, ip string, duration time.Duration, reason string)
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

const (
	autoBlockThreshold = 10
	autoBlockDuration  = 24 * time.Hour
)

type limitRule struct {
	pattern string
	limit   RateLimit
}

// RateLimiter applies per-endpoint limits keyed by agent or client IP.
type RateLimiter struct {
	backend          Backend
	rules            []limitRule
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// DefaultLimits are the limits applied to the relay API.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"POST /api/v1/auth/connect": {30, time.Minute, ipKey},
		"POST /api/v1/tasks":        {120, time.Minute, agentKey},
		"PATCH /api/v1/tasks/":      {240, time.Minute, agentKey},
		"DELETE /api/v1/tasks/":     {120, time.Minute, agentKey},
		"POST /api/v1/rooms":        {30, time.Minute, agentKey},
		"POST /api/v1/rooms/":       {120, time.Minute, agentKey},
		"GET /api/v1/":              {600, time.Minute, agentKey},
		"GET /ws":                   {60, time.Minute, ipKey},
	}
}

// NewRateLimiter creates a new rate limiter. Patterns are matched as
// prefixes of "METHOD /path", longest pattern first.
func NewRateLimiter(backend Backend, limits map[string]RateLimit, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		backend:          backend,
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
	}
	for pattern, limit := range limits {
		rl.rules = append(rl.rules, limitRule{pattern: pattern, limit: limit})
	}
	sort.Slice(rl.rules, func(i, j int) bool {
		return len(rl.rules[i].pattern) > len(rl.rules[j].pattern)
	})

	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// agentKey keys by the X-Agent-Id header, falling back to the client IP
// for callers that have not connected yet.
func agentKey(r *http.Request) string {
	agentID := r.Header.Get(AgentHeader)
	if agentID == "" {
		return "ratelimit:ip:" + RealIP(r)
	}
	return "ratelimit:agent:" + agentID
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
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

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.backend.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "forbidden", "temporarily blocked")
			return
		}

		rule := rl.findRule(r)
		if rule == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := rule.limit.KeyFunc(r) + ":" + rule.pattern
		allowed, remaining, resetAt := rl.backend.CheckAndIncrement(r.Context(), key, rule.limit.Requests, rule.limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(resetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			metrics.RateLimitHits.WithLabelValues(rule.pattern).Inc()

			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("agent", r.Header.Get(AgentHeader)).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findRule finds the most specific rule for a request.
func (rl *RateLimiter) findRule(r *http.Request) *limitRule {
	key := r.Method + " " + r.URL.Path
	for i := range rl.rules {
		if strings.HasPrefix(key, rl.rules[i].pattern) {
			return &rl.rules[i]
		}
	}
	return nil
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count := rl.backend.Violation(ctx, ip)
	if count >= autoBlockThreshold {
		rl.backend.Block(ctx, ip, autoBlockDuration, "repeated rate limit violations")
		metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}
