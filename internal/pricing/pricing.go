package pricing

import (
	"fmt"
	"math"
	"strings"
)

// Entry holds per-1000-token prices in USD. OutputPerK of 0 with
// HasOutput=false means output tokens bill at the input rate.
type Entry struct {
	InputPerK  float64
	OutputPerK float64
	HasOutput  bool
}

// Table maps "{vendor}:{model}" to prices, with a "{vendor}:any" fallback
// per vendor. Built once at startup, read-only thereafter.
type Table struct {
	entries map[string]Entry
}

func NewTable(entries map[string]Entry) *Table {
	m := make(map[string]Entry, len(entries))
	for k, v := range entries {
		m[strings.ToLower(k)] = v
	}
	return &Table{entries: m}
}

// DefaultTable covers the configured vendors. Prices are per 1K tokens and
// intentionally coarse; the "any" rows catch unlisted models.
func DefaultTable() *Table {
	return NewTable(map[string]Entry{
		"openai:gpt-4o":                        {InputPerK: 2.50, OutputPerK: 10.00, HasOutput: true},
		"openai:gpt-4o-mini":                   {InputPerK: 0.15, OutputPerK: 0.60, HasOutput: true},
		"openai:any":                           {InputPerK: 2.50, OutputPerK: 10.00, HasOutput: true},
		"anthropic:claude-3-5-sonnet-20241022": {InputPerK: 3.00, OutputPerK: 15.00, HasOutput: true},
		"anthropic:claude-3-5-haiku-20241022":  {InputPerK: 0.80, OutputPerK: 4.00, HasOutput: true},
		"anthropic:any":                        {InputPerK: 3.00, OutputPerK: 15.00, HasOutput: true},
		"google:gemini-1.5-pro":                {InputPerK: 1.25, OutputPerK: 5.00, HasOutput: true},
		"google:gemini-1.5-flash":              {InputPerK: 0.075, OutputPerK: 0.30, HasOutput: true},
		"google:any":                           {InputPerK: 1.25, OutputPerK: 5.00, HasOutput: true},
		"groq:any":                             {InputPerK: 0.05, OutputPerK: 0.08, HasOutput: true},
		"mistral:any":                          {InputPerK: 0.40, OutputPerK: 2.00, HasOutput: true},
		"openrouter:any":                       {InputPerK: 1.00},
		"perplexity:any":                       {InputPerK: 1.00, OutputPerK: 1.00, HasOutput: true},
	})
}

// Compute returns the USD cost for a call, rounded to 4 decimal places.
// ok is false when no entry resolves for the vendor at all; unknown cost is
// distinct from zero cost. Negative token counts are treated as 0.
func (t *Table) Compute(vendor, model string, inputTokens, outputTokens int) (float64, bool) {
	entry, ok := t.lookup(vendor, model)
	if !ok {
		return 0, false
	}

	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	outPerK := entry.OutputPerK
	if !entry.HasOutput {
		// No distinct output price: output bills at the input rate.
		outPerK = entry.InputPerK
	}

	cost := float64(inputTokens)/1000*entry.InputPerK + float64(outputTokens)/1000*outPerK
	return round4(cost), true
}

func (t *Table) lookup(vendor, model string) (Entry, bool) {
	vendor = strings.ToLower(vendor)
	if model != "" {
		if e, ok := t.entries[fmt.Sprintf("%s:%s", vendor, strings.ToLower(model))]; ok {
			return e, true
		}
	}
	e, ok := t.entries[vendor+":any"]
	return e, ok
}

// round4 rounds half away from zero at the 4th decimal.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
