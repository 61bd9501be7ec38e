package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/llmgate/llmgate/internal/tenant"
	"github.com/llmgate/llmgate/internal/tokens"
)

// fallbackTokens is charged against the window when a request's size is
// unknown (no Content-Length, empty body).
const fallbackTokens = 1000

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter applying
// a per-tenant tokens-per-minute window ahead of the daily quota gate.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func (l *Limiter) Allow(ctx context.Context, tenantID string, n int) (bool, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	res, err := l.store.AllowN(ctx, key, n)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	return l.store.Status(ctx, key)
}

// Middleware rejects tenants that burn through their per-minute token
// window. Limiter errors admit the request: the window is advisory, and a
// degraded redis must not take traffic down.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		n, ok := tokens.Estimate(r.ContentLength)
		if !ok {
			n = fallbackTokens
		}

		allowed, err := l.Allow(ctx, tenant.GetTenantID(ctx), n)
		if err != nil {
			log.Printf("ratelimit: limiter error, admitting: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":       "rate_limited",
				"message":     "Per-minute token budget exceeded",
				"retry_after": "60s",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
