// Package ratelimit throttles repeated authentication failures and, through
// Middleware, plain request rates.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Common errors
var (
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Limiter defines the interface for rate limiters.
type Limiter interface {
	// Allow consumes one attempt for the given key.
	// Returns true if allowed, false if rate limited.
	Allow(ctx context.Context, key string) (bool, error)

	// AllowN consumes n attempts for the given key.
	AllowN(ctx context.Context, key string, n int) (bool, error)

	// Exhausted reports whether the key has no attempts left, without
	// consuming one.
	Exhausted(ctx context.Context, key string) (bool, error)

	// Reset resets the rate limit for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the limiter.
	Close() error
}

// Config holds rate limiting middleware configuration.
type Config struct {
	// KeyFunc extracts the rate limit key from an HTTP request.
	// Defaults to the client IP address.
	KeyFunc func(r *http.Request) string

	// OnLimited is called when a request is rate limited.
	// Defaults to returning 429 Too Many Requests.
	OnLimited func(w http.ResponseWriter, r *http.Request)

	// SkipFunc determines if a request should skip rate limiting.
	SkipFunc func(r *http.Request) bool

	// Logger receives limiter backend errors.
	Logger *slog.Logger
}

// DefaultConfig returns a default middleware configuration.
func DefaultConfig() *Config {
	return &Config{
		KeyFunc: GetClientIP,
		OnLimited: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		},
	}
}

// GetClientIP extracts the client IP from an HTTP request.
// Checks X-Forwarded-For and X-Real-IP headers first, so it should only be
// used behind a proxy that sets them.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return RemoteIP(r)
}

// RemoteIP returns the host part of r.RemoteAddr, ignoring proxy headers.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// entry is one key's token bucket.
type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// MemoryLimiter is an in-memory token bucket limiter. Each key may spend
// burst attempts at once; spent attempts refill evenly over window.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
	done    chan struct{}
	closed  sync.Once
}

// NewMemoryLimiter creates a new in-memory limiter allowing burst attempts
// per key, refilled over window.
func NewMemoryLimiter(burst int, window time.Duration) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	ml := &MemoryLimiter{
		entries: make(map[string]*entry),
		limit:   rate.Every(window / time.Duration(burst)),
		burst:   burst,
		window:  window,
		now:     time.Now,
		done:    make(chan struct{}),
	}

	go ml.cleanup()

	return ml
}

func (m *MemoryLimiter) bucket(key string, now time.Time) *entry {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = e
	}
	e.seen = now
	return e
}

// Allow consumes one attempt for the given key.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return m.AllowN(ctx, key, 1)
}

// AllowN consumes n attempts for the given key.
func (m *MemoryLimiter) AllowN(_ context.Context, key string, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return m.bucket(key, now).lim.AllowN(now, n), nil
}

// Exhausted reports whether the key has less than one attempt left.
func (m *MemoryLimiter) Exhausted(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return e.lim.TokensAt(m.now()) < 1, nil
}

// Remaining returns the whole number of attempts left for a key.
func (m *MemoryLimiter) Remaining(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return m.burst
	}
	return max(int(e.lim.TokensAt(m.now())), 0)
}

// Reset resets the rate limit for the given key.
func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close stops the cleanup goroutine.
func (m *MemoryLimiter) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}

// cleanup periodically removes idle keys.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.removeIdle()
		}
	}
}

// removeIdle drops keys untouched for a full window; their buckets have
// refilled completely, so dropping them loses nothing.
func (m *MemoryLimiter) removeIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.now().Add(-m.window)
	for key, e := range m.entries {
		if e.seen.Before(threshold) {
			delete(m.entries, key)
		}
	}
}

// Middleware creates an HTTP middleware that applies rate limiting to
// every request. Limiter errors let the request through.
func Middleware(limiter Limiter, cfg *Config) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = GetClientIP
	}

	onLimited := cfg.OnLimited
	if onLimited == nil {
		onLimited = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.SkipFunc != nil && cfg.SkipFunc(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				if ml, ok := limiter.(*MemoryLimiter); ok {
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ml.burst))
					w.Header().Set("X-RateLimit-Remaining", "0")
					w.Header().Set("Retry-After", strconv.Itoa(int(ml.window.Seconds())/ml.burst+1))
				}
				onLimited(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
