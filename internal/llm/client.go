package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hession/vox/internal/chat"
)

// Client talks to an OpenAI-compatible server (llama.cpp server,
// LM Studio, or a hosted endpoint) and implements both Generator and
// Embedder.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	maxRetries int
	httpClient *http.Client
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
}

// NewClient creates a new capability client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// apiMessage is the wire form of one chat message.
type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest chat completion request
type chatRequest struct {
	Model         string       `json:"model"`
	Messages      []apiMessage `json:"messages"`
	Temperature   float64      `json:"temperature"`
	TopK          int          `json:"top_k,omitempty"`
	RepeatPenalty float64      `json:"repeat_penalty,omitempty"`
	MaxTokens     int          `json:"max_tokens"`
	Stream        bool         `json:"stream"`
}

// chatChunk is one SSE data payload of a streaming completion.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// embeddingRequest embedding request
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingResponse embedding response
type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Generate starts a streaming chat completion and returns a pull-based
// token stream. The stream stays open until io.EOF, an error, or Close;
// cancelling ctx aborts the underlying request.
func (c *Client) Generate(ctx context.Context, messages []chat.Message, cfg SamplingConfig) (Stream, error) {
	reqBody := chatRequest{
		Model:         c.model,
		Messages:      toAPIMessages(messages),
		Temperature:   cfg.Temperature,
		TopK:          cfg.TopK,
		RepeatPenalty: cfg.RepeatPenalty,
		MaxTokens:     cfg.MaxTokens,
		Stream:        true,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	return &sseStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// sseStream reads "data:" lines from a server-sent-events body lazily,
// one chunk per Recv call.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Recv returns the next text chunk, or io.EOF after the final one.
func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			s.body.Close()
			if err == io.EOF {
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			s.body.Close()
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Ignore parse errors
		}
		if chunk.Error != nil {
			s.done = true
			s.body.Close()
			return "", fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
		if chunk.Choices[0].FinishReason != "" {
			s.done = true
			s.body.Close()
			return "", io.EOF
		}
	}
}

// Close aborts the stream and releases the underlying response body.
func (s *sseStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.body.Close()
}

// Embed generates a vector for one text, retrying with exponential
// backoff. All failures are reported as ErrEmbeddingUnavailable so
// callers can apply the recency fallback uniformly.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for retry := 0; retry <= c.maxRetries; retry++ {
		vec, err := c.doEmbed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		// Context errors are not worth retrying
		if ctx.Err() != nil {
			break
		}
		if retry < c.maxRetries {
			select {
			case <-time.After(time.Duration(1<<retry) * time.Second):
			case <-ctx.Done():
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, lastErr)
}

// doEmbed executes one embedding request
func (c *Client) doEmbed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embeddingRequest{
		Model: c.model,
		Input: []string{text},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}

	return embResp.Data[0].Embedding, nil
}

// Dimension returns the configured embedding vector size.
func (c *Client) Dimension() int {
	return c.dimension
}

// toAPIMessages converts chat messages to their wire form.
func toAPIMessages(messages []chat.Message) []apiMessage {
	out := make([]apiMessage, len(messages))
	for i, m := range messages {
		out[i] = apiMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}
