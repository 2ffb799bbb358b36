package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"token": {RatePerSecond: 0.001, Burst: 1},
	}, nil)

	handler := limiter.Middleware("token")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/relay-tokens/issue", nil)
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
	if body := res.Body.String(); body != `{"error":"rate-limited"}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestRateLimiterSeparatesGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"token":   {RatePerSecond: 0.001, Burst: 1},
		"control": {RatePerSecond: 0.001, Burst: 1},
	}, nil)

	tokenHandler := limiter.Middleware("token")(okHandler())
	controlHandler := limiter.Middleware("control")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/relay-tokens/issue", nil)
	res := httptest.NewRecorder()
	tokenHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected token request to succeed, got %d", res.Code)
	}

	// Exhausting the token bucket leaves the control bucket untouched.
	res = httptest.NewRecorder()
	tokenHandler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected token limit hit, got %d", res.Code)
	}

	controlReq := httptest.NewRequest(http.MethodPost, "/api/relays/heartbeat", nil)
	res = httptest.NewRecorder()
	controlHandler.ServeHTTP(res, controlReq)
	if res.Code != http.StatusOK {
		t.Fatalf("expected control request to succeed, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"token": {RatePerSecond: 0.001, Burst: 1},
	}, nil)
	handler := limiter.Middleware("token")(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/api/relay-tokens/issue", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, reqA)
	if res.Code != http.StatusOK {
		t.Fatalf("expected client A to succeed, got %d", res.Code)
	}

	reqB := httptest.NewRequest(http.MethodPost, "/api/relay-tokens/issue", nil)
	reqB.Header.Set("X-Real-IP", "10.0.0.2")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, reqB)
	if res.Code != http.StatusOK {
		t.Fatalf("expected client B to succeed, got %d", res.Code)
	}
}

func TestUnknownGroupPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("unconfigured")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	for i := 0; i < 20; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected pass-through, got %d", res.Code)
		}
	}
}
