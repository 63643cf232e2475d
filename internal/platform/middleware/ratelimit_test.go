package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func limited(cfg RateLimitConfig) (*echo.Echo, echo.HandlerFunc) {
	e := echo.New()
	return e, RateLimit(cfg)(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
}

func call(e *echo.Echo, h echo.HandlerFunc, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/fhir/Condition", nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	_ = h(e.NewContext(req, rec))
	return rec
}

func TestRateLimit_BurstThenThrottle(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	e, h := limited(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2, Now: clk.now})

	for i := 0; i < 2; i++ {
		if rec := call(e, h, "tok-a"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}

	rec := call(e, h, "tok-a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "0.5" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}

	clk.t = clk.t.Add(2 * time.Second)
	if rec := call(e, h, "tok-a"); rec.Code != http.StatusOK {
		t.Errorf("expected refill after 2s, got %d", rec.Code)
	}
}

func TestRateLimit_SeparateTokens(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	e, h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, Now: clk.now})

	if rec := call(e, h, "tok-a"); rec.Code != http.StatusOK {
		t.Fatalf("tok-a: %d", rec.Code)
	}
	if rec := call(e, h, "tok-b"); rec.Code != http.StatusOK {
		t.Errorf("tok-b should have its own bucket, got %d", rec.Code)
	}
	if rec := call(e, h, "tok-a"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("tok-a second call: %d", rec.Code)
	}
}

func TestRateLimit_DisabledAtZeroRate(t *testing.T) {
	e, h := limited(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if rec := call(e, h, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
}
