// Package ratelimit provides fixed-window counters keyed by caller-chosen
// strings. The memory limiter is per-process; the redis limiter shares
// windows across replicas.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"custodia/internal/domain"
)

type window struct {
	hits  int
	until time.Time
}

func (w *window) expired(at time.Time) bool { return at.After(w.until) }

type memoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
	maxKeys int
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) domain.RateLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &memoryLimiter{
		now:     cfg.Now,
		windows: make(map[string]*window),
		maxKeys: cfg.MaxKeys,
	}
}

func (m *memoryLimiter) Allow(_ context.Context, key string, limit int, span time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w != nil && w.expired(now) {
		delete(m.windows, key)
		w = nil
	}
	if w == nil {
		if len(m.windows) >= m.maxKeys {
			m.sweep(now)
			if len(m.windows) >= m.maxKeys {
				return domain.RateLimitDecision{}, errors.New("rate limiter capacity exceeded")
			}
		}
		w = &window{until: now.Add(span)}
		m.windows[key] = w
	}

	decision := domain.RateLimitDecision{Limit: limit, ResetAt: w.until}
	if w.hits >= limit {
		return decision, nil
	}
	w.hits++
	decision.Allowed = true
	decision.Remaining = limit - w.hits
	return decision, nil
}

// sweep drops expired windows; called only when the key table is full.
func (m *memoryLimiter) sweep(now time.Time) {
	for key, w := range m.windows {
		if w.expired(now) {
			delete(m.windows, key)
		}
	}
}
