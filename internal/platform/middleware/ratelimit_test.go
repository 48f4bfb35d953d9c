package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func limitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})
}

func requestFrom(e *echo.Echo, method, ip string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/api/v1/runs", nil)
	req.RemoteAddr = ip + ":5555"
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := limitedHandler(RateLimitConfig{Rate: 0.5, Burst: 2, now: clock.now})
	e := echo.New()

	for i := 0; i < 2; i++ {
		c, rec := requestFrom(e, http.MethodPost, "10.0.0.1")
		if err := h(c); err != nil || rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected pass, got %v %d", i, err, rec.Code)
		}
	}

	c, rec := requestFrom(e, http.MethodPost, "10.0.0.1")
	err := h(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("expected Retry-After 3, got %q", got)
	}

	clock.t = clock.t.Add(2 * time.Second)
	c, _ = requestFrom(e, http.MethodPost, "10.0.0.1")
	if err := h(c); err != nil {
		t.Errorf("expected refill after 2s, got %v", err)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	h := limitedHandler(RateLimitConfig{Rate: 1, Burst: 1, now: clock.now})
	e := echo.New()

	c, _ := requestFrom(e, http.MethodPost, "10.0.0.1")
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	c, _ = requestFrom(e, http.MethodPost, "10.0.0.2")
	if err := h(c); err != nil {
		t.Errorf("expected separate bucket for second client, got %v", err)
	}
}

func TestRateLimit_SkipsReads(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	h := limitedHandler(RateLimitConfig{Rate: 1, Burst: 1, Skipper: OnlyWrites, now: clock.now})
	e := echo.New()

	for i := 0; i < 5; i++ {
		c, _ := requestFrom(e, http.MethodGet, "10.0.0.1")
		if err := h(c); err != nil {
			t.Fatalf("GET %d: expected pass, got %v", i, err)
		}
	}
}

func TestRateLimit_ZeroRateDisables(t *testing.T) {
	h := limitedHandler(RateLimitConfig{})
	e := echo.New()
	for i := 0; i < 10; i++ {
		c, _ := requestFrom(e, http.MethodPost, "10.0.0.1")
		if err := h(c); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestLimiter_SweepsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newLimiter(RateLimitConfig{Rate: 1, Burst: 1, IdleTTL: time.Minute, now: clock.now})

	l.take("a")
	l.take("b")
	clock.t = clock.t.Add(2 * time.Minute)
	l.take("c")

	if len(l.buckets) != 1 {
		t.Errorf("expected idle buckets dropped, have %d", len(l.buckets))
	}
}
