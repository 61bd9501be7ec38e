package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Emitter posts usage events to the billing collector. It is strictly
// best-effort: every failure mode is swallowed, and callers must not put it
// on the response-critical path.
type Emitter struct {
	endpoint string
	token    string
	enabled  bool
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewEmitter(endpoint, token string, enabled bool) *Emitter {
	settings := gobreaker.Settings{
		Name:        "usage-collector",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Emitter{
		endpoint: endpoint,
		token:    token,
		enabled:  enabled,
		client:   &http.Client{Timeout: 5 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

type envelope struct {
	Type       string `json:"type"`
	Time       string `json:"time"`
	Properties *Event `json:"properties"`
}

// Emit sends one event. It never returns an error: collector outages,
// non-2xx responses and serialization failures are all discarded. The
// breaker stops dialing a dead collector for a cooldown window.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if !e.enabled || e.endpoint == "" || e.token == "" {
		return
	}

	_, _ = e.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(envelope{
			Type:       "llm_usage",
			Time:       time.Now().UTC().Format(time.RFC3339),
			Properties: ev,
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+"/ingest", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.token)

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("collector returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
}
