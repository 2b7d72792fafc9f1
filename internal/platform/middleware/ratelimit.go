package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/juju/ratelimit"
	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// rateLimiterStore holds one token bucket per client IP.
type rateLimiterStore struct {
	buckets map[string]*ratelimit.Bucket
	mu      sync.RWMutex
	config  RateLimitConfig
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		buckets: make(map[string]*ratelimit.Bucket),
		config:  cfg,
	}
}

func (s *rateLimiterStore) getBucket(key string) *ratelimit.Bucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[key]; ok {
		return bucket
	}
	bucket = ratelimit.NewBucketWithRate(s.config.RequestsPerSecond, int64(s.config.BurstSize))
	s.buckets[key] = bucket
	return bucket
}

// retryAfter is the whole number of seconds until one token is refilled.
func (s *rateLimiterStore) retryAfter() int {
	if s.config.RequestsPerSecond <= 0 {
		return 1
	}
	return int(math.Ceil(1 / s.config.RequestsPerSecond))
}

// RateLimit returns a per-client-IP rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			bucket := store.getBucket(c.RealIP())
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			if bucket.TakeAvailable(1) == 0 {
				h.Set("Retry-After", strconv.Itoa(store.retryAfter()))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			h.Set("X-RateLimit-Remaining", strconv.FormatInt(bucket.Available(), 10))
			return next(c)
		}
	}
}
