package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rps, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(rps),
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

const (
	pruneInterval = 5 * time.Minute
	bucketIdleAge = 10 * time.Minute
)

// clientLimiter tracks one token bucket per client IP. Idle buckets are
// pruned inline during allow so the map stays bounded without a
// background goroutine to shut down.
type clientLimiter struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	clients   map[string]*tokenBucket
	lastPrune time.Time
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	return &clientLimiter{
		cfg:       cfg,
		clients:   make(map[string]*tokenBucket),
		lastPrune: time.Now(),
	}
}

func (l *clientLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > pruneInterval {
		l.prune(now)
	}

	bucket, ok := l.clients[ip]
	if !ok {
		bucket = newTokenBucket(l.cfg.RPS, l.cfg.Burst)
		l.clients[ip] = bucket
	}
	return bucket.allow()
}

// prune drops buckets idle past the cutoff. Caller holds the lock.
func (l *clientLimiter) prune(now time.Time) {
	for k, v := range l.clients {
		if now.Sub(v.lastRefill) > bucketIdleAge {
			delete(l.clients, k)
		}
	}
	l.lastPrune = now
}

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	limiter := newClientLimiter(cfg)

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		if !limiter.allow(c.IP()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limited", "Too Many Requests",
				"Request rate limit exceeded")
		}
		return c.Next()
	}
}
