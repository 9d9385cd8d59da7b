package llm

import (
	"context"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/hession/vox/internal/chat"
)

// MockEmbedder is a deterministic Embedder for tests. Vectors are
// derived from word occurrence counts so that texts sharing words are
// measurably more similar than unrelated texts.
type MockEmbedder struct {
	dimension int

	mu     sync.Mutex
	calls  int
	failed bool
}

// NewMockEmbedder creates a mock embedder
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// SetUnavailable forces every subsequent Embed call to fail with
// ErrEmbeddingUnavailable.
func (m *MockEmbedder) SetUnavailable(down bool) {
	m.mu.Lock()
	m.failed = down
	m.mu.Unlock()
}

// Calls returns how many Embed calls were made.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embed generates a deterministic vector from word counts.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	down := m.failed
	m.mu.Unlock()

	if down {
		return nil, ErrEmbeddingUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrEmbeddingUnavailable
	}

	vec := make([]float32, m.dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		hash := 0
		for _, ch := range word {
			hash = hash*31 + int(ch)
		}
		if hash < 0 {
			hash = -hash
		}
		vec[hash%m.dimension]++
	}

	// Normalize so dot product equals cosine similarity
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// Dimension returns the vector size
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

// MockGenerator is a canned-reply Generator for tests.
type MockGenerator struct {
	// Reply is split into chunks of ChunkSize runes.
	Reply     string
	ChunkSize int

	// Err, when set, is returned from Generate immediately.
	Err error

	// FailAfterChunks, when > 0, makes the stream error after that
	// many chunks instead of ending cleanly.
	FailAfterChunks int
	StreamErr       error

	mu           sync.Mutex
	lastPrompt   []chat.Message
	lastSampling SamplingConfig
}

// Generate returns a stream over the canned reply.
func (g *MockGenerator) Generate(ctx context.Context, messages []chat.Message, cfg SamplingConfig) (Stream, error) {
	if g.Err != nil {
		return nil, g.Err
	}

	g.mu.Lock()
	g.lastPrompt = append([]chat.Message(nil), messages...)
	g.lastSampling = cfg
	g.mu.Unlock()

	size := g.ChunkSize
	if size <= 0 {
		size = 8
	}

	var chunks []string
	runes := []rune(g.Reply)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}

	return &mockStream{
		ctx:       ctx,
		chunks:    chunks,
		failAfter: g.FailAfterChunks,
		streamErr: g.StreamErr,
	}, nil
}

// LastPrompt returns the messages passed to the most recent Generate
// call.
func (g *MockGenerator) LastPrompt() []chat.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPrompt
}

// LastSampling returns the sampling config passed to the most recent
// Generate call.
func (g *MockGenerator) LastSampling() SamplingConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSampling
}

type mockStream struct {
	ctx       context.Context
	chunks    []string
	pos       int
	failAfter int
	streamErr error
	closed    bool
}

func (s *mockStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.failAfter > 0 && s.pos >= s.failAfter {
		if s.streamErr != nil {
			return "", s.streamErr
		}
		return "", io.ErrUnexpectedEOF
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
