package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/llmgate/llmgate/internal/tenant"
)

type mockLimiterStore struct {
	allowed bool
	err     error
	lastN   int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastN = n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func limiterRequest() *http.Request {
	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", nil)
	req.ContentLength = 400
	return req.WithContext(tenant.WithTenantID(req.Context(), "t1"))
}

func TestMiddleware_Allows(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := NewTestLimiter(store)

	var called bool
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), limiterRequest())

	if !called {
		t.Error("expected request admitted")
	}
	if store.lastN != 100 {
		t.Errorf("expected 100 tokens charged from 400-byte body, got %d", store.lastN)
	}
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	l := NewTestLimiter(&mockLimiterStore{allowed: false})

	var called bool
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, limiterRequest())

	if called {
		t.Error("expected request rejected")
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestMiddleware_FailsOpenOnError(t *testing.T) {
	l := NewTestLimiter(&mockLimiterStore{allowed: false, err: errors.New("redis down")})

	var called bool
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), limiterRequest())

	if !called {
		t.Error("expected fail-open admission on limiter error")
	}
}

func TestMiddleware_FallbackChargeWhenSizeUnknown(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := NewTestLimiter(store)

	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", nil)
	req.ContentLength = 0

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if store.lastN != fallbackTokens {
		t.Errorf("expected fallback charge %d, got %d", fallbackTokens, store.lastN)
	}
}
