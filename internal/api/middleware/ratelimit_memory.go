package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const pruneThreshold = 10000

type bucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

type counter struct {
	count int64
	reset time.Time
}

// MemoryBackend keeps token buckets in process. It is used when no Redis
// URL is configured; limits then apply per instance.
type MemoryBackend struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	violations map[string]*counter
	blocked    map[string]time.Time
	now        func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets:    make(map[string]*bucket),
		violations: make(map[string]*counter),
		blocked:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// CheckAndIncrement takes one token from the bucket for key. A bucket holds
// limit tokens and refills at limit per window.
func (m *MemoryBackend) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	if limit <= 0 || window <= 0 {
		return false, 0, m.now().Add(window)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= pruneThreshold {
			m.pruneLocked(now)
		}
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			window:  window,
		}
		m.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, now.Add(window)
}

// pruneLocked drops buckets idle for longer than their window; they would
// be full again anyway.
func (m *MemoryBackend) pruneLocked(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > b.window {
			delete(m.buckets, key)
		}
	}
	for ip, c := range m.violations {
		if now.After(c.reset) {
			delete(m.violations, ip)
		}
	}
	for ip, until := range m.blocked {
		if now.After(until) {
			delete(m.blocked, ip)
		}
	}
}

// Violation increments the hourly violation counter for ip.
func (m *MemoryBackend) Violation(_ context.Context, ip string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.violations[ip]
	if !ok || now.After(c.reset) {
		c = &counter{reset: now.Add(time.Hour)}
		m.violations[ip] = c
	}
	c.count++
	return c.count
}

// IsBlocked checks if an IP is blocked.
func (m *MemoryBackend) IsBlocked(_ context.Context, ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.blocked[ip]
	if !ok {
		return false
	}
	if m.now().After(until) {
		delete(m.blocked, ip)
		return false
	}
	return true
}

// Block blocks an IP for the specified duration.
func (m *MemoryBackend) Block(_ context.Context, ip string, duration time.Duration, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[ip] = m.now().Add(duration)
}
