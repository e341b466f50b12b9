package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestRateLimiterLoginBurstPerClient(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(RateLimitConfig{LoginRPS: 1, LoginBurst: 2})
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowLogin(ctx, "10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("attempt %d: expected allowed, got %v (%v)", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowLogin(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("AllowLogin error: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be throttled")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Fatalf("unexpected retry delay %s", retryAfter)
	}

	if allowed, _, _ := rl.AllowLogin(ctx, "10.0.0.2"); !allowed {
		t.Fatal("expected a different client to be unaffected")
	}

	now = now.Add(time.Second)
	if allowed, _, _ := rl.AllowLogin(ctx, "10.0.0.1"); !allowed {
		t.Fatal("expected attempt to be allowed once the bucket refilled")
	}
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(RateLimitConfig{LoginRPS: 1, LoginBurst: 1})
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, _ = rl.AllowLogin(ctx, "10.0.0.1")
	now = now.Add(time.Minute)
	_, _, _ = rl.AllowLogin(ctx, "10.0.0.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["10.0.0.1"]; ok {
		t.Fatal("expected idle visitor to be dropped")
	}
	if len(rl.visitors) != 1 {
		t.Fatalf("expected one tracked visitor, got %d", len(rl.visitors))
	}
}

func TestRateLimiterDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatal("expected global limiter to be disabled")
		}
		if allowed, _, _ := rl.AllowLogin(context.Background(), "10.0.0.1"); !allowed {
			t.Fatal("expected login limiter to be disabled")
		}
	}
}

func TestGlobalRateLimitMiddlewareRejectsExcess(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	handler := globalRateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/assets", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/assets", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestLoginRateLimitMiddlewareSetsRetryAfter(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{LoginRPS: 0.5, LoginBurst: 1})
	handler := loginRateLimitMiddleware(rl, clientIPResolver(false), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "192.0.2.10:41000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("expected first login to pass, got %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After of 2 seconds, got %q", got)
	}
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLoginStoreCountsWithinWindow(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredisClient(t)
	store := NewRedisLoginStore(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(ctx, "login:test", 2, 10*time.Second)
		if err != nil || !allowed {
			t.Fatalf("attempt %d: expected allowed, got %v (%v)", i, allowed, err)
		}
	}
	allowed, retryAfter, err := store.Allow(ctx, "login:test", 2, 10*time.Second)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be throttled")
	}
	if retryAfter <= 0 || retryAfter > 10*time.Second {
		t.Fatalf("unexpected retry delay %s", retryAfter)
	}

	mr.FastForward(11 * time.Second)
	if allowed, _, err := store.Allow(ctx, "login:test", 2, 10*time.Second); err != nil || !allowed {
		t.Fatalf("expected new window to allow, got %v (%v)", allowed, err)
	}
}

func TestRedisLoginStoreRestoresMissingExpiry(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredisClient(t)
	store := NewRedisLoginStore(client)
	if err := mr.Set("login:stuck", "5"); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	allowed, retryAfter, err := store.Allow(context.Background(), "login:stuck", 2, 10*time.Second)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed || retryAfter != 10*time.Second {
		t.Fatalf("expected throttle with full window, got %v %s", allowed, retryAfter)
	}
	if ttl := mr.TTL("login:stuck"); ttl != 10*time.Second {
		t.Fatalf("expected expiry to be restored, got %s", ttl)
	}
}

func TestRateLimiterUsesSharedStore(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredisClient(t)
	rl := newRateLimiter(RateLimitConfig{LoginRPS: 1, LoginBurst: 1, Store: NewRedisLoginStore(client)})

	allowed, _, err := rl.AllowLogin(context.Background(), "10.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("expected first attempt to pass, got %v (%v)", allowed, err)
	}
	if !mr.Exists("streamvault:login:10.0.0.1") {
		t.Fatal("expected counter key in redis")
	}
	if allowed, _, _ := rl.AllowLogin(context.Background(), "10.0.0.1"); allowed {
		t.Fatal("expected second attempt to be throttled")
	}
}

func TestLoginRateLimitMiddlewareReportsStoreFailure(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredisClient(t)
	rl := newRateLimiter(RateLimitConfig{LoginRPS: 1, LoginBurst: 1, Store: NewRedisLoginStore(client)})
	mr.SetError("ERR injected failure")

	handler := loginRateLimitMiddleware(rl, clientIPResolver(false), nil)(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
