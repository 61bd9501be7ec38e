package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/llmgate/llmgate/internal/tenant"
	"github.com/llmgate/llmgate/internal/tokens"
)

type contextKey string

const reservedKey contextKey = "quota_reserved"

// WithReserved records the pre-flight token reservation on the context so
// the response path can reconcile it against observed usage.
func WithReserved(ctx context.Context, est int) context.Context {
	return context.WithValue(ctx, reservedKey, est)
}

// ReservedFromContext returns the reservation made at admission time.
func ReservedFromContext(ctx context.Context) (int, bool) {
	est, ok := ctx.Value(reservedKey).(int)
	return est, ok
}

// Gate is per-request admission control against the daily token quota.
// It reserves optimistically: the counter is incremented by the estimate
// before the upstream call, and only ever adjusted upward afterwards.
type Gate struct {
	store      Store
	dailyLimit int64
	enabled    bool
}

// NewGate builds the gate. A nil store or disabled billing turns the gate
// into a pass-through.
func NewGate(store Store, dailyLimit int64, enabled bool) *Gate {
	return &Gate{store: store, dailyLimit: dailyLimit, enabled: enabled}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled || g.store == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		est := g.estimate(r)
		// The reservation travels with the request whether or not the
		// store round-trips below succeed; reconciliation reads it back.
		ctx = WithReserved(ctx, est)
		r = r.WithContext(ctx)

		key := Key(tenant.GetTenantID(ctx), time.Now())

		current, err := g.store.Get(ctx, key)
		if err != nil {
			// Fail open: a degraded quota store must not take traffic down.
			log.Printf("quota: store get failed, admitting unmetered: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		limit := g.dailyLimit
		if limit <= 0 {
			limit = math.MaxInt64
		}
		if current+int64(est) > limit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "quota_exceeded",
				"message": "Daily token quota exceeded",
			})
			return
		}

		value, err := g.store.IncrBy(ctx, key, int64(est))
		if err != nil {
			log.Printf("quota: store incrby failed, admitting unmetered: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if value == int64(est) {
			// First increment on a fresh key: size the TTL to the rest of
			// the UTC day. Two concurrent firsts may both land here; they
			// set the same TTL, so the race is harmless.
			if err := g.store.Expire(ctx, key, time.Duration(SecondsUntilEndOfDay(time.Now()))*time.Second); err != nil {
				log.Printf("quota: store expire failed: %v", err)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// estimate sizes the request in tokens, preferring the Content-Length
// header over buffering. Any failure to size the body yields 0 rather than
// failing the request.
func (g *Gate) estimate(r *http.Request) int {
	if r.ContentLength > 0 {
		est, _ := tokens.Estimate(r.ContentLength)
		return est
	}
	if r.Body == nil {
		return 0
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return 0
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	est, _ := tokens.Estimate(int64(len(body)))
	return est
}

// Reconcile adjusts the daily counter after actual usage is known. The
// counter only grows: under-use is never refunded, so it trends toward
// over-reservation within the day.
func (g *Gate) Reconcile(ctx context.Context, tenantID string, reserved, actual int) {
	if !g.enabled || g.store == nil {
		return
	}
	if actual <= reserved {
		return
	}
	key := Key(tenantID, time.Now())
	if _, err := g.store.IncrBy(ctx, key, int64(actual-reserved)); err != nil {
		log.Printf("quota: reconcile incrby failed: %v", err)
	}
}
