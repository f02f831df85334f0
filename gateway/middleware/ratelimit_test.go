package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RatePerSecond: 1, Burst: 1},
	})
	handler := limiter.Middleware("mutations")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bounties", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterPassesUnconfiguredGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RatePerSecond: 1, Burst: 1},
	})
	handler := limiter.Middleware("reads")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/bounties", nil)
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected unconfigured group to pass, got %d on request %d", res.Code, i)
		}
	}
}

func TestRateLimiterSeparatesGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RatePerSecond: 1, Burst: 1},
		"reads":     {RatePerSecond: 1, Burst: 1},
	})
	mutations := limiter.Middleware("mutations")(okHandler())
	reads := limiter.Middleware("reads")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bounties", nil)
	req.Header.Set("X-Api-Key", "partner-a")
	res := httptest.NewRecorder()
	mutations.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected mutation request to succeed, got %d", res.Code)
	}

	readReq := httptest.NewRequest(http.MethodGet, "/v1/bounties", nil)
	readReq.Header.Set("X-Api-Key", "partner-a")
	res = httptest.NewRecorder()
	reads.ServeHTTP(res, readReq)
	if res.Code != http.StatusOK {
		t.Fatalf("expected read quota to be independent, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	reads.ServeHTTP(res, readReq)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second read to hit limit, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesAPIKeys(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RatePerSecond: 1, Burst: 1},
	})
	handler := limiter.Middleware("mutations")(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/v1/bounties", nil)
	reqA.Header.Set("X-Api-Key", "partner-a")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, reqA)
	if res.Code != http.StatusOK {
		t.Fatalf("expected partner-a to succeed, got %d", res.Code)
	}

	reqB := httptest.NewRequest(http.MethodPost, "/v1/bounties", nil)
	reqB.Header.Set("X-Api-Key", "partner-b")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, reqB)
	if res.Code != http.StatusOK {
		t.Fatalf("expected partner-b to have its own bucket, got %d", res.Code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RatePerSecond: 1, Burst: 1},
	})
	handler := limiter.Middleware("mutations")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bounties", nil)
	req.Header.Set("X-Api-Key", "partner-a")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	limiter.nowFn = func() time.Time { return time.Now().Add(visitorIdleAfter + time.Minute) }
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	limiter.mu.Lock()
	count := len(limiter.visitors)
	limiter.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected idle visitor to be evicted before re-adding, have %d entries", count)
	}
}
