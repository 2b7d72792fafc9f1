package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// sendFrom runs one request from ip through h and returns its recorder.
func sendFrom(e *echo.Echo, h echo.HandlerFunc, ip string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/prescriptions", nil)
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RemainingCountsDown(t *testing.T) {
	// One token per ~17 minutes, so nothing refills during the test.
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 3})(okHandler)
	e := echo.New()

	for i, want := range []string{"2", "1", "0"} {
		rec, err := sendFrom(e, h, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Errorf("request %d: expected X-RateLimit-Remaining %s, got %q", i+1, want, got)
		}
	}
}

func TestRateLimit_LimitHeader(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)
	e := echo.New()

	for i := 0; i < 5; i++ {
		rec, err := sendFrom(e, h, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExhaustedBucket(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})(okHandler)
	e := echo.New()

	for i := 0; i < 2; i++ {
		if _, err := sendFrom(e, h, "10.0.0.1"); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := sendFrom(e, h, "10.0.0.1")
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
	retryAfter, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil {
		t.Fatalf("Retry-After is not an integer: %q", rec.Header().Get("Retry-After"))
	}
	if retryAfter != 2 {
		t.Errorf("expected Retry-After 2 at 0.5 rps, got %d", retryAfter)
	}
}

func TestRateLimit_PerIPIsolation(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)
	e := echo.New()

	if _, err := sendFrom(e, h, "10.0.0.1"); err != nil {
		t.Fatalf("client a first request: expected no error, got %v", err)
	}
	if _, err := sendFrom(e, h, "10.0.0.1"); err == nil {
		t.Fatal("client a second request: expected rate limit error")
	}
	if _, err := sendFrom(e, h, "10.0.0.2"); err != nil {
		t.Fatalf("client b first request: expected no error, got %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestRateLimiterStore_RetryAfter(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{0, 1},
		{1, 1},
		{100, 1},
		{0.25, 4},
	}
	for _, tt := range tests {
		store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: tt.rate, BurstSize: 1})
		if got := store.retryAfter(); got != tt.want {
			t.Errorf("retryAfter() at %v rps = %d, want %d", tt.rate, got, tt.want)
		}
	}
}

func TestRateLimiterStore_BucketPerKey(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	b1 := store.getBucket("10.0.0.1")
	if b1 == nil {
		t.Fatal("expected non-nil bucket")
	}
	if b1.Capacity() != 5 {
		t.Errorf("expected capacity 5, got %d", b1.Capacity())
	}
	if store.getBucket("10.0.0.1") != b1 {
		t.Error("expected same bucket instance for same key")
	}
	if store.getBucket("10.0.0.2") == b1 {
		t.Error("expected different bucket for different key")
	}
}
