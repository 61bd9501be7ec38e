package quota

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/llmgate/llmgate/internal/tenant"
)

// Mock Store
type mockStore struct {
	mu      sync.Mutex
	values  map[string]int64
	ttls    map[string]time.Duration
	getErr  error
	incrErr error
	incrs   []int64
	expireN int
}

func newMockStore() *mockStore {
	return &mockStore{values: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (m *mockStore) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return 0, m.getErr
	}
	return m.values[key], nil
}

func (m *mockStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrErr != nil {
		return 0, m.incrErr
	}
	m.values[key] += delta
	m.incrs = append(m.incrs, delta)
	return m.values[key], nil
}

func (m *mockStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireN++
	m.ttls[key] = ttl
	return nil
}

func TestKey_UTCBoundary(t *testing.T) {
	before := time.Date(2025, 3, 7, 23, 59, 0, 0, time.UTC)
	after := time.Date(2025, 3, 8, 0, 0, 1, 0, time.UTC)

	if got := Key("tenant-a", before); got != "quota:tenant-a:2025-03-07" {
		t.Errorf("Key before midnight = %q", got)
	}
	if got := Key("tenant-a", after); got != "quota:tenant-a:2025-03-08" {
		t.Errorf("Key after midnight = %q", got)
	}

	// Same instant expressed in a non-UTC zone must bucket by the UTC day.
	est := time.FixedZone("EST", -5*3600)
	if got := Key("tenant-a", after.In(est)); got != "quota:tenant-a:2025-03-08" {
		t.Errorf("Key in non-UTC zone = %q", got)
	}
}

func TestSecondsUntilEndOfDay_Floor(t *testing.T) {
	nearMidnight := time.Date(2025, 3, 7, 23, 59, 59, 0, time.UTC)
	if got := SecondsUntilEndOfDay(nearMidnight); got != 60 {
		t.Errorf("expected 60s floor, got %d", got)
	}

	noon := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)
	if got := SecondsUntilEndOfDay(noon); got != 12*3600 {
		t.Errorf("expected 43200, got %d", got)
	}
}

func gateRequest(body string, contentLength int64) *http.Request {
	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(body))
	req.ContentLength = contentLength
	req = req.WithContext(tenant.WithTenantID(req.Context(), "t1"))
	return req
}

func passthrough(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestGate_ReservesEstimateAndSetsTTL(t *testing.T) {
	store := newMockStore()
	g := NewGate(store, 100000, true)

	var called bool
	h := g.Middleware(passthrough(&called))

	req := gateRequest("", 0)
	req.ContentLength = 400
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !called {
		t.Fatal("expected request to be admitted")
	}
	key := Key("t1", time.Now())
	if store.values[key] != 100 {
		t.Errorf("expected counter 100, got %d", store.values[key])
	}
	if store.expireN != 1 {
		t.Errorf("expected TTL set exactly once, got %d", store.expireN)
	}
	if ttl := store.ttls[key]; ttl < 60*time.Second {
		t.Errorf("expected TTL >= 60s, got %v", ttl)
	}
}

func TestGate_TTLSetOnlyOnFreshKey(t *testing.T) {
	store := newMockStore()
	g := NewGate(store, 100000, true)

	var called bool
	h := g.Middleware(passthrough(&called))

	for i := 0; i < 3; i++ {
		req := gateRequest("", 0)
		req.ContentLength = 400
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	if store.expireN != 1 {
		t.Errorf("expected TTL set once across requests, got %d", store.expireN)
	}
}

func TestGate_RejectsOverLimitWithoutReserving(t *testing.T) {
	store := newMockStore()
	key := Key("t1", time.Now())
	store.values[key] = 999

	g := NewGate(store, 1000, true)
	var called bool
	h := g.Middleware(passthrough(&called))

	req := gateRequest("", 0)
	req.ContentLength = 400 // est 100, 999+100 > 1000
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if called {
		t.Error("expected request to be rejected")
	}
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "quota_exceeded") {
		t.Errorf("expected quota_exceeded body, got %s", w.Body.String())
	}
	if len(store.incrs) != 0 {
		t.Errorf("expected no reservation on reject, got increments %v", store.incrs)
	}
}

func TestGate_FailsOpenOnStoreError(t *testing.T) {
	store := newMockStore()
	store.getErr = errors.New("connection refused")

	g := NewGate(store, 1000, true)
	var called bool
	h := g.Middleware(passthrough(&called))

	req := gateRequest("", 0)
	req.ContentLength = 400000 // far over limit
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !called {
		t.Error("expected fail-open admission on store error")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestGate_FailsOpenOnReserveError(t *testing.T) {
	store := newMockStore()
	store.incrErr = errors.New("timeout")

	g := NewGate(store, 100000, true)
	var called bool
	h := g.Middleware(passthrough(&called))

	req := gateRequest("", 0)
	req.ContentLength = 400
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("expected fail-open admission on reserve error")
	}
}

func TestGate_BypassWhenDisabled(t *testing.T) {
	store := newMockStore()
	g := NewGate(store, 1000, false)

	var called bool
	h := g.Middleware(passthrough(&called))

	req := gateRequest("", 0)
	req.ContentLength = 400000
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("expected bypass when billing disabled")
	}
	if len(store.incrs) != 0 {
		t.Error("expected store untouched when disabled")
	}
}

func TestGate_BypassWhenNoStore(t *testing.T) {
	g := NewGate(nil, 1000, true)

	var called bool
	h := g.Middleware(passthrough(&called))
	h.ServeHTTP(httptest.NewRecorder(), gateRequest("x", 1))

	if !called {
		t.Error("expected bypass when no store configured")
	}
}

func TestGate_ZeroLimitMeansUnlimited(t *testing.T) {
	store := newMockStore()
	key := Key("t1", time.Now())
	store.values[key] = 1 << 40

	g := NewGate(store, 0, true)
	var called bool
	h := g.Middleware(passthrough(&called))

	req := gateRequest("", 0)
	req.ContentLength = 400
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("expected admission with limit <= 0")
	}
}

func TestGate_EstimateFromBodyWhenNoContentLength(t *testing.T) {
	store := newMockStore()
	g := NewGate(store, 100000, true)

	var gotBody string
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 16)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
	}))

	req := gateRequest("12345678", 0)
	req.ContentLength = 0
	h.ServeHTTP(httptest.NewRecorder(), req)

	key := Key("t1", time.Now())
	if store.values[key] != 2 {
		t.Errorf("expected estimate 2 from 8-byte body, got %d", store.values[key])
	}
	if gotBody != "12345678" {
		t.Errorf("expected body restored for downstream, got %q", gotBody)
	}
}

func TestGate_AttachesReservationToContext(t *testing.T) {
	store := newMockStore()
	g := NewGate(store, 100000, true)

	var reserved int
	var ok bool
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reserved, ok = ReservedFromContext(r.Context())
	}))

	req := gateRequest("", 0)
	req.ContentLength = 400
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !ok || reserved != 100 {
		t.Errorf("expected reservation 100 on context, got %d (%v)", reserved, ok)
	}
}

func TestReconcile_OnlyGrows(t *testing.T) {
	store := newMockStore()
	g := NewGate(store, 100000, true)
	key := Key("t1", time.Now())
	store.values[key] = 10

	// Under-use: no refund.
	g.Reconcile(context.Background(), "t1", 10, 3)
	if store.values[key] != 10 {
		t.Errorf("expected no decrement, got %d", store.values[key])
	}

	// Over-use: grow by the exact delta.
	g.Reconcile(context.Background(), "t1", 10, 25)
	if store.values[key] != 25 {
		t.Errorf("expected counter 25 after +15, got %d", store.values[key])
	}
}
