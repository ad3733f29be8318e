package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func hitRateLimit(mw echo.MiddlewareFunc, ip string, tenant string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/drugs", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("jwt_tenant_id", tenant)
	}
	err := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c)
	return rec, err
}

func TestRateLimit_WithinBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	for i := 0; i < 3; i++ {
		rec, err := hitRateLimit(mw, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("expected X-RateLimit-Limit 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})
	hitRateLimit(mw, "10.0.0.2", "")
	hitRateLimit(mw, "10.0.0.2", "")

	rec, err := hitRateLimit(mw, "10.0.0.2", "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})

	if _, err := hitRateLimit(mw, "10.0.0.3", ""); err != nil {
		t.Fatalf("first client: %v", err)
	}
	if _, err := hitRateLimit(mw, "10.0.0.4", ""); err != nil {
		t.Errorf("second client should have its own bucket: %v", err)
	}
	if _, err := hitRateLimit(mw, "10.0.0.3", "ward_b"); err != nil {
		t.Errorf("tenant-scoped key should have its own bucket: %v", err)
	}
	if _, err := hitRateLimit(mw, "10.0.0.3", ""); err == nil {
		t.Error("first client should now be throttled")
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.get("a")
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 visitors, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("expected idle visitors to be evicted, got %d", store.size())
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
