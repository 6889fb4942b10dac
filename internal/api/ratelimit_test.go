package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("device-1") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("device-1") {
		t.Fatal("request past the burst was allowed")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	defer rl.Stop()

	if !rl.Allow("device-1") {
		t.Fatal("first request for device-1 denied")
	}
	if rl.Allow("device-1") {
		t.Fatal("second request for device-1 allowed past burst")
	}
	if !rl.Allow("device-2") {
		t.Fatal("device-2 should have its own bucket")
	}
}

func TestRateLimiterCleanupDropsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	defer rl.Stop()

	rl.Allow("device-1")
	rl.mu.Lock()
	rl.entries["device-1"].lastSeen = time.Now().Add(-limiterIdleTimeout - time.Minute)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	_, exists := rl.entries["device-1"]
	rl.mu.Unlock()
	if exists {
		t.Fatal("idle entry survived cleanup")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Stop()

	handler := RateLimit(rl, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status=%d, want %d", i+1, rec.Code, http.StatusNoContent)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}
