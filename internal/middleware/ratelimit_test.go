package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestAs(subject string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/proxies", nil)
	if subject != "" {
		req = req.WithContext(ContextWithPrincipal(req.Context(), Principal{Subject: subject}))
	}
	return req
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 2, Burst: 5, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := limitedHandler(rl)

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs("user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 2, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := limitedHandler(rl)

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestAs("user-rate-limit"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs("user-rate-limit"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if ra, err := strconv.Atoi(w.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Errorf("Retry-After = %q, want positive seconds", w.Header().Get("Retry-After"))
	}
	if env := decodeEnvelope(t, w); env.Code != CodeRateLimited || env.Status != StatusError {
		t.Errorf("envelope = %+v", env)
	}
}

func TestRateLimitMiddleware_IndependentPerSubject(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := limitedHandler(rl)

	handler.ServeHTTP(httptest.NewRecorder(), requestAs("user-a"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs("user-b"))
	if w.Code != http.StatusOK {
		t.Errorf("user-b status = %d, want 200", w.Code)
	}

	// 未認証は接続元アドレスで数える
	handler.ServeHTTP(httptest.NewRecorder(), requestAs(""))
	if rl.LimiterCount() != 3 {
		t.Errorf("LimiterCount = %d, want 3", rl.LimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()

	rl.getOrCreate("sub:old")
	rl.cleanup(time.Now().Add(3 * time.Minute))

	if rl.LimiterCount() != 0 {
		t.Errorf("LimiterCount = %d, want 0 after cleanup", rl.LimiterCount())
	}

	// 二重Stopでpanicしない
	rl.Stop()
}
