package proxy

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmgate/llmgate/internal/pricing"
	"github.com/llmgate/llmgate/internal/quota"
	"github.com/llmgate/llmgate/internal/upstream"
	"github.com/llmgate/llmgate/internal/usage"
	"github.com/llmgate/llmgate/internal/worker"
	"github.com/llmgate/llmgate/pkg/ratelimit"
)

// Deps carries everything a vendor mount needs. All fields are built once
// at startup; Limiter and Store may be nil.
type Deps struct {
	Registry []*upstream.Descriptor
	Table    *pricing.Table
	Gate     *quota.Gate
	Limiter  *ratelimit.Limiter
	Emitter  *usage.Emitter
	Store    usage.Store
	Pool     *worker.Pool
	Tracer   trace.Tracer
}

// Mount attaches each vendor under its /{vendor} prefix. Middleware order
// is load-bearing: the rate limiter and quota gate must both be able to
// reject before the interceptor touches the network.
func Mount(r chi.Router, deps Deps) {
	for _, desc := range deps.Registry {
		h := NewInterceptor(desc, deps.Table, deps.Emitter, deps.Gate, deps.Store, deps.Pool, deps.Tracer)

		r.Group(func(r chi.Router) {
			if deps.Limiter != nil {
				r.Use(deps.Limiter.Middleware)
			}
			r.Use(deps.Gate.Middleware)
			r.Handle("/"+desc.Name, h)
			r.Handle("/"+desc.Name+"/*", h)
		})
	}
}

// Recoverer converts panics anywhere below it into the gateway's JSON
// error shape instead of chi's plain-text 500.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("proxy: panic serving %s: %v", r.URL.Path, rec)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "internal_error",
					"message": fmt.Sprint(rec),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
