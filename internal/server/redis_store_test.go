package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RagingGuard/video-share/internal/testsupport/redisstub"
)

func startRedis(t *testing.T, password string) *redisstub.Server {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{Password: password})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	return stub
}

func TestRedisStoreCountsAttemptsInWindow(t *testing.T) {
	stub := startRedis(t, "secret")
	store, err := newRedisStore(redisStoreConfig{Addr: stub.Addr(), Password: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("newRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(ctx, "videoshare:verify:192.0.2.1", 2, time.Minute)
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
	}
	allowed, retryAfter, err := store.Allow(ctx, "videoshare:verify:192.0.2.1", 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be throttled")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retry within the window, got %s", retryAfter)
	}

	allowed, _, err = store.Allow(ctx, "videoshare:verify:192.0.2.2", 2, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("expected separate key to be allowed, got %v (%v)", allowed, err)
	}

	expires := 0
	for _, cmd := range stub.Commands() {
		if cmd == "EXPIRE" {
			expires++
		}
	}
	if expires != 2 {
		t.Fatalf("expected one EXPIRE per key, got %d", expires)
	}
}

func TestRedisStoreRejectsWrongPassword(t *testing.T) {
	stub := startRedis(t, "secret")
	store, err := newRedisStore(redisStoreConfig{Addr: stub.Addr(), Password: "wrong", Timeout: time.Second})
	if err != nil {
		t.Fatalf("newRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail with the wrong password")
	}
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	if _, err := newRedisStore(redisStoreConfig{Addr: "  "}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestServerUsesRedisForPasswordAttempts(t *testing.T) {
	stub := startRedis(t, "")
	srv, deps := newTestServer(t, Config{RateLimit: RateLimitConfig{
		VerifyLimit:  1,
		VerifyWindow: time.Minute,
		RedisAddr:    stub.Addr(),
		RedisTimeout: time.Second,
	}})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	if deps.handler.RateLimiter == nil {
		t.Fatal("expected redis limiter to be reported in health")
	}
	if rec := verifySecret(t, srv, "secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected first attempt to pass, got %d", rec.Code)
	}
	rec := verifySecret(t, srv, "secret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	stub.SetFailing(true)
	req := httptest.NewRequest(http.MethodPost, "/verify-secret", strings.NewReader(`{"password":"secret"}`))
	req.RemoteAddr = "192.0.2.50:1000"
	if rec := serve(srv, req); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 when redis fails, got %d", rec.Code)
	}

	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy redis ping, got %d (%s)", rec.Code, rec.Body.String())
	}
}
