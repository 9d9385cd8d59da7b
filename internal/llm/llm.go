// Package llm defines the two external capabilities the memory
// subsystem consumes: streamed text generation and text embedding.
// Both are opaque; the engine only decides what text surrounds a
// prompt, never how the model produces tokens.
package llm

import (
	"context"
	"errors"

	"github.com/hession/vox/internal/chat"
)

// ErrEmbeddingUnavailable reports that the embedding capability is
// down, absent, or timed out. Callers fall back to recency-ordered
// retrieval instead of failing the turn.
var ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")

// SamplingConfig carries per-request sampling parameters for the
// inference capability.
type SamplingConfig struct {
	Temperature   float64 `json:"temperature"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	MaxTokens     int     `json:"max_tokens"`
}

// DefaultSampling returns the stock sampling parameters.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Temperature:   0.8,
		TopK:          40,
		RepeatPenalty: 1.1,
		MaxTokens:     2048,
	}
}

// Stream is a lazy, finite, non-restartable sequence of text chunks.
// Recv blocks for the next chunk and returns io.EOF after the final
// one. Cancelling the context passed to Generate aborts the stream;
// Close releases the underlying call early.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Generator produces a token stream for an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, messages []chat.Message, cfg SamplingConfig) (Stream, error)
}

// Embedder maps text to a fixed-length vector. It may fail or be
// absent entirely.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
