package tenant

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderName carries the caller's tenant identity. The value is an opaque
// grouping key for quota buckets and usage attribution; it is not
// authenticated against any registry.
const HeaderName = "x-tenant-id"

// Anonymous is the tenant assigned to requests without a tenant header.
const Anonymous = "anonymous"

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	requestIDKey contextKey = "request_id"
)

// Middleware resolves the tenant identity and stamps a request ID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := uuid.New().String()
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		id := r.Header.Get(HeaderName)
		if id == "" {
			id = Anonymous
		}
		ctx = context.WithValue(ctx, tenantIDKey, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return Anonymous
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
