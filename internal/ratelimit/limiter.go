// Package ratelimit throttles chat and API requests per user.
package ratelimit

import (
	"sync"
	"time"

	"github.com/promethea/promethea/internal/fault"
)

// Config configures per-user rate limiting.
type Config struct {
	// RequestsPerSecond is the sustained rate allowed per user.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// BurstSize is the bucket capacity.
	BurstSize int `json:"burst_size" yaml:"burst_size"`
	// Enabled turns limiting off entirely when false.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig allows a short burst of interactive traffic.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5.0,
		BurstSize:         10,
		Enabled:           true,
	}
}

// Limiter keeps one token bucket per user. Buckets idle past the
// sweep horizon are discarded; a fresh bucket starts full, which is
// the right answer for a user who has been away.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for the user. The error, when non-nil, is a
// KindRateLimited fault carrying the wait until a token is available.
func (l *Limiter) Allow(userID string) error {
	if !l.cfg.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastRefill: now}
		l.buckets[userID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.cfg.RequestsPerSecond
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	wait := time.Duration((1 - b.tokens) / l.cfg.RequestsPerSecond * float64(time.Second))
	return fault.WithRetryAfter(fault.New(fault.KindRateLimited, "rate limit exceeded"), wait)
}

// Sweep drops buckets idle for longer than horizon. Run periodically
// so the map does not grow with every user ever seen.
func (l *Limiter) Sweep(horizon time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-horizon)
	removed := 0
	for id, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}
