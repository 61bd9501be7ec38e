package tokens

import "math"

// bytesPerToken is a fixed heuristic divisor, not a real tokenizer. It
// tracks the rough average of ~4 bytes per token for English JSON payloads.
const bytesPerToken = 4

// Estimate converts a payload byte count into an approximate token count.
// Any positive byte count estimates to at least 1 token. ok is false when
// the byte count is absent or zero: "unknown" is distinct from "known-zero".
func Estimate(byteCount int64) (int, bool) {
	if byteCount <= 0 {
		return 0, false
	}
	est := int(math.Round(float64(byteCount) / bytesPerToken))
	if est < 1 {
		est = 1
	}
	return est, true
}
