// Package ollama implements the provider capability interfaces against a
// local Ollama server over its HTTP API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/verityai/verity/internal/provider"
)

// Config contains the parameters for the Ollama client.
type Config struct {
	BaseURL       string // e.g. "http://localhost:11434"
	Model         string // generation model, e.g. "llama3.1"
	EmbedderModel string // embedding model, e.g. "nomic-embed-text"
	Dimension     int    // vector width the embedding model produces

	// HTTPClient overrides the default client (mainly for tests).
	HTTPClient *http.Client
}

// Client talks to an Ollama server. Safe for concurrent use.
type Client struct {
	baseURL       string
	model         string
	embedderModel string
	dim           int
	http          *http.Client
}

var (
	_ provider.Embedder  = (*Client)(nil)
	_ provider.Generator = (*Client)(nil)
)

// New creates an Ollama client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base URL is required")
	}
	if cfg.Model == "" || cfg.EmbedderModel == "" {
		return nil, fmt.Errorf("ollama: model and embedder model are required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("ollama: dimension must be positive, got %d", cfg.Dimension)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		model:         cfg.Model,
		embedderModel: cfg.EmbedderModel,
		dim:           cfg.Dimension,
		http:          httpClient,
	}, nil
}

// Request/response payloads, internal to this package.

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Embed generates one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embedResponse
	if err := c.post(ctx, "/api/embed", embedRequest{Model: c.embedderModel, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: embed returned %d vectors for %d texts",
			provider.ErrProvider, len(resp.Embeddings), len(texts))
	}
	for i, v := range resp.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", provider.ErrProvider, i)
		}
	}
	return resp.Embeddings, nil
}

// Dimension reports the configured vector width.
func (c *Client) Dimension() int { return c.dim }

// Model reports the embedding model identifier.
func (c *Client) Model() string { return c.embedderModel }

// Generate returns the full completion for the request.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	var resp chatResponse
	if err := c.post(ctx, "/api/chat", c.chatRequest(req, false), &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Stream yields the completion incrementally, decoding the NDJSON stream the
// Ollama chat endpoint produces.
func (c *Client) Stream(ctx context.Context, req provider.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(c.chatRequest(req, true))
		if err != nil {
			yield("", fmt.Errorf("%w: marshal request: %w", provider.ErrProvider, err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("%w: create request: %w", provider.ErrProvider, err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			yield("", fmt.Errorf("%w: chat stream: %w", provider.ErrProvider, err))
			return
		}
		defer func() { _ = httpResp.Body.Close() }()

		if httpResp.StatusCode != http.StatusOK {
			yield("", c.statusError(httpResp))
			return
		}

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk chatResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				yield("", fmt.Errorf("%w: decode stream chunk: %w", provider.ErrProvider, err))
				return
			}
			if chunk.Message.Content != "" {
				if !yield(chunk.Message.Content, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("%w: read stream: %w", provider.ErrProvider, err))
		}
	}
}

func (c *Client) chatRequest(req provider.Request, stream bool) chatRequest {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	opts := &chatOptions{Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}

	return chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
		Options:  opts,
	}
}

// post sends a JSON request and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", provider.ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", provider.ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", provider.ErrProvider, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", provider.ErrProvider, err)
	}
	return nil
}

// statusError maps an HTTP error status to the provider error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", provider.ErrRateLimited, resp.StatusCode, detail)
	}
	return fmt.Errorf("%w: status %d: %s", provider.ErrProvider, resp.StatusCode, detail)
}
