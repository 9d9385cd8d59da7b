// Package token estimates the token cost of text against the model's
// context window. The estimate is a heuristic, not a tokenizer: it only
// feeds eviction thresholds and prompt budgets, so it must be cheap,
// deterministic and monotonic in the input length.
package token

import "github.com/hession/vox/internal/chat"

const (
	// bytesPerToken is the rough bytes-per-token ratio for BPE
	// tokenizers on English-ish text.
	bytesPerToken = 4

	// MessageOverhead is the fixed structural cost charged per message
	// (role markers, separators, chat template scaffolding).
	MessageOverhead = 50
)

// Estimate returns the approximate token count for text. Empty text
// costs zero.
func Estimate(text string) int {
	return len(text) / bytesPerToken
}

// EstimateMessage returns the cost of one message including the fixed
// per-message overhead.
func EstimateMessage(msg chat.Message) int {
	return Estimate(msg.Content) + MessageOverhead
}

// EstimateWindow returns the total cost of a message window.
func EstimateWindow(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}
