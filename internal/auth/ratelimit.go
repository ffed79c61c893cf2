package auth

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-client request rate limits.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig returns 10 requests per second with a burst of 20.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// RateLimitConfigFromEnv reads DESKMATE_RATE_LIMIT with ParseRateLimit.
func RateLimitConfigFromEnv() RateLimitConfig {
	return ParseRateLimit(os.Getenv("DESKMATE_RATE_LIMIT"))
}

// ParseRateLimit parses "rate:burst" (e.g. "10:20"). Invalid or missing
// parts keep their defaults.
func ParseRateLimit(val string) RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	if val == "" {
		return cfg
	}

	rps, burst, hasBurst := strings.Cut(val, ":")
	if r, err := strconv.ParseFloat(rps, 64); err == nil && r > 0 {
		cfg.RequestsPerSecond = r
	}
	if hasBurst {
		if b, err := strconv.Atoi(burst); err == nil && b > 0 {
			cfg.Burst = b
		}
	}
	return cfg
}

const (
	authMaxFailures = 10
	authWindow      = time.Minute
	authBlock       = 5 * time.Minute
	idleEviction    = 10 * time.Minute
	evictThreshold  = 1000
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type authRecord struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

// RateLimiter applies a token bucket per client key and tracks failed
// authentication attempts per client.
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	authMu sync.Mutex
	auth   map[string]*authRecord
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRateLimitConfig().RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultRateLimitConfig().Burst
	}
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		clients: make(map[string]*client),
		auth:    make(map[string]*authRecord),
	}
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= evictThreshold {
			rl.evictIdle(now)
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > idleEviction {
			delete(rl.clients, key)
		}
	}
}

// IsAuthBlocked reports whether ip is blocked for failed authentication.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	if rl == nil {
		return false
	}
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	rec, ok := rl.auth[ip]
	if !ok || rec.blockedUntil.IsZero() {
		return false
	}
	if rl.now().Before(rec.blockedUntil) {
		return true
	}
	delete(rl.auth, ip)
	return false
}

// AuthBlockRetryAfter returns the whole seconds until ip is unblocked.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	rec, ok := rl.auth[ip]
	if !ok {
		return 0
	}
	remaining := rec.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt from ip and reports
// whether ip is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	if rl == nil {
		return false
	}
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	rec, ok := rl.auth[ip]
	if !ok {
		if len(rl.auth) >= evictThreshold {
			rl.evictStaleAuth(now)
		}
		rec = &authRecord{windowStart: now}
		rl.auth[ip] = rec
	}
	if now.Sub(rec.windowStart) > authWindow {
		rec.failures = 0
		rec.windowStart = now
	}

	rec.failures++
	if rec.failures >= authMaxFailures {
		rec.blockedUntil = now.Add(authBlock)
		return true
	}
	return false
}

// AuthSuccess clears failure tracking for ip.
func (rl *RateLimiter) AuthSuccess(ip string) {
	if rl == nil {
		return
	}
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.auth, ip)
}

func (rl *RateLimiter) evictStaleAuth(now time.Time) {
	for ip, rec := range rl.auth {
		switch {
		case !rec.blockedUntil.IsZero() && now.After(rec.blockedUntil):
			delete(rl.auth, ip)
		case rec.blockedUntil.IsZero() && now.Sub(rec.windowStart) > idleEviction:
			delete(rl.auth, ip)
		}
	}
}

// Middleware returns HTTP middleware that rejects requests over the limit
// with 429. keyFunc picks the client key; an empty key is not limited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(1/rl.config.RequestsPerSecond) + 1)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key != "" && !rl.Allow(key) {
				w.Header().Set("Retry-After", retryAfter)
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
