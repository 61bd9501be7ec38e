package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmgate/llmgate/internal/pricing"
	"github.com/llmgate/llmgate/internal/quota"
	"github.com/llmgate/llmgate/internal/tenant"
	"github.com/llmgate/llmgate/internal/tokens"
	"github.com/llmgate/llmgate/internal/upstream"
	"github.com/llmgate/llmgate/internal/usage"
	"github.com/llmgate/llmgate/internal/worker"
)

type contextKey string

const (
	startKey contextKey = "proxy_start"
	modelKey contextKey = "proxy_model"
)

// maxModelPeekBytes caps how much of a request body is buffered to sniff
// the model name. Larger bodies stream through unexamined.
const maxModelPeekBytes = 1 << 20

// Interceptor forwards one vendor's traffic: it injects credentials on the
// way out and meters the exchange on the way back. Byte-level streaming is
// httputil.ReverseProxy's job.
type Interceptor struct {
	desc    *upstream.Descriptor
	table   *pricing.Table
	emitter *usage.Emitter
	gate    *quota.Gate
	store   usage.Store // nil unless a local usage store is configured
	pool    *worker.Pool
	tracer  trace.Tracer
	rp      *httputil.ReverseProxy
}

func NewInterceptor(
	desc *upstream.Descriptor,
	table *pricing.Table,
	emitter *usage.Emitter,
	gate *quota.Gate,
	store usage.Store,
	pool *worker.Pool,
	tracer trace.Tracer,
) *Interceptor {
	i := &Interceptor{
		desc:    desc,
		table:   table,
		emitter: emitter,
		gate:    gate,
		store:   store,
		pool:    pool,
		tracer:  tracer,
	}
	i.rp = &httputil.ReverseProxy{
		Director:       i.director,
		ModifyResponse: i.modifyResponse,
		ErrorHandler:   i.errorHandler,
	}
	return i
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if model, ok := peekModel(r); ok {
		ctx = context.WithValue(ctx, modelKey, model)
	}
	ctx = context.WithValue(ctx, startKey, time.Now())

	ctx, span := i.tracer.Start(ctx, "proxy.forward", trace.WithAttributes(
		attribute.String("vendor", i.desc.Name),
		attribute.String("tenant_id", tenant.GetTenantID(ctx)),
		attribute.String("request_id", tenant.GetRequestID(ctx)),
	))
	defer span.End()

	i.rp.ServeHTTP(w, r.WithContext(ctx))
}

// peekModel buffers a small JSON body to extract its "model" field. Every
// failure path leaves the body readable and reports no model.
func peekModel(r *http.Request) (string, bool) {
	if r.Body == nil || r.ContentLength <= 0 || r.ContentLength > maxModelPeekBytes {
		return "", false
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxModelPeekBytes))
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var payload struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(body, &payload) != nil || payload.Model == "" {
		return "", false
	}
	return payload.Model, true
}

func (i *Interceptor) director(req *http.Request) {
	req.URL.Scheme = i.desc.Target.Scheme
	req.URL.Host = i.desc.Target.Host
	req.Host = i.desc.Target.Host

	// The upstream sees a path relative to its own root.
	path := strings.TrimPrefix(req.URL.Path, "/"+i.desc.Name)
	if path == "" {
		path = "/"
	}
	req.URL.Path = singleJoiningSlash(i.desc.Target.Path, path)

	for name, value := range i.desc.Credentials() {
		if value != "" {
			req.Header.Set(name, value)
		}
	}

	if i.desc.QueryKey != "" {
		i.injectQueryKey(req)
	}
}

// injectQueryKey appends the vendor's fallback key as a "key" query
// parameter unless the caller already supplied one. A malformed query
// string forwards untouched; the upstream answers with its own auth error.
func (i *Interceptor) injectQueryKey(req *http.Request) {
	q, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return
	}
	if q.Get("key") != "" {
		return
	}
	q.Set("key", i.desc.QueryKey)
	req.URL.RawQuery = q.Encode()
}

func (i *Interceptor) modifyResponse(resp *http.Response) error {
	req := resp.Request
	ctx := req.Context()

	var latency *int64
	if start, ok := ctx.Value(startKey).(time.Time); ok {
		ms := time.Since(start).Milliseconds()
		latency = &ms
	}

	model, _ := ctx.Value(modelKey).(string)

	var inTok, outTok *int
	if n, ok := tokens.Estimate(req.ContentLength); ok {
		inTok = &n
	}
	if n, ok := tokens.Estimate(resp.ContentLength); ok {
		outTok = &n
	}

	var cost *float64
	if c, ok := i.table.Compute(i.desc.Name, model, intOrZero(inTok), intOrZero(outTok)); ok {
		cost = &c
	}

	// 4xx still consumed upstream capacity and still bills; only 5xx (or a
	// dead connection, which never reaches here) counts as failure.
	success := resp.StatusCode < 500

	tenantID := tenant.GetTenantID(ctx)
	requestID := tenant.GetRequestID(ctx)

	ev := &usage.Event{
		TenantID:     tenantID,
		Provider:     i.desc.Name,
		Model:        model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		LatencyMs:    latency,
		Success:      success,
		CostUSD:      cost,
	}
	i.submit(func(taskCtx context.Context) {
		i.emitter.Emit(taskCtx, ev)
	})

	if reserved, ok := quota.ReservedFromContext(ctx); ok {
		actual := intOrZero(inTok) + intOrZero(outTok)
		i.submit(func(taskCtx context.Context) {
			i.gate.Reconcile(taskCtx, tenantID, reserved, actual)
		})
	}

	if i.store != nil {
		l := &usage.Log{
			TenantID:     tenantID,
			RequestID:    requestID,
			Provider:     i.desc.Name,
			Model:        model,
			InputTokens:  intOrZero(inTok),
			OutputTokens: intOrZero(outTok),
			CostUSD:      floatOrZero(cost),
			LatencyMs:    int64OrZero(latency),
			Success:      success,
		}
		i.submit(func(taskCtx context.Context) {
			if err := i.store.LogUsage(taskCtx, l); err != nil {
				log.Printf("proxy: usage log write failed: %v", err)
			}
		})
	}

	return nil
}

func (i *Interceptor) submit(task func(context.Context)) {
	if i.pool == nil || !i.pool.Submit(task) {
		// Queue full or no pool: still detached, still best-effort.
		go task(context.Background())
	}
}

func (i *Interceptor) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("proxy: upstream %s error: %v", i.desc.Name, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func floatOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func int64OrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
