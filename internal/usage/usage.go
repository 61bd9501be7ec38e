package usage

import "time"

// Event is the per-request usage record handed to the billing collector.
// Optional fields are pointers: absent means "unknown", which downstream
// consumers must not conflate with zero.
type Event struct {
	TenantID     string   `json:"tenantId"`
	UserID       string   `json:"userId,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model,omitempty"`
	InputTokens  *int     `json:"inputTokens,omitempty"`
	OutputTokens *int     `json:"outputTokens,omitempty"`
	LatencyMs    *int64   `json:"latencyMs,omitempty"`
	Success      bool     `json:"success"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
}

// Log is a persisted usage row, kept when a local store is configured.
type Log struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	CreatedAt    time.Time `json:"created_at"`
}
