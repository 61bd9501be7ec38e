package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/llmgate/llmgate/internal/tenant"
	"github.com/llmgate/llmgate/internal/usage"
)

// UsageHandler serves per-tenant usage reports from the local usage store.
type UsageHandler struct {
	store usage.Store
}

func NewUsageHandler(store usage.Store) *UsageHandler {
	return &UsageHandler{store: store}
}

func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.GetTenantID(ctx)

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.store.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	totalCost, err := h.store.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
