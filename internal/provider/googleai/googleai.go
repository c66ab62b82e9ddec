// Package googleai implements the provider capability interfaces on the
// Google Gemini API via google.golang.org/genai.
package googleai

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/verityai/verity/internal/provider"
)

// Config contains the parameters for the Google AI client.
type Config struct {
	APIKey        string // if empty, the SDK falls back to GEMINI_API_KEY
	Model         string // generation model, e.g. "gemini-2.0-flash"
	EmbedderModel string // embedding model, e.g. "gemini-embedding-001"
	Dimension     int    // requested output dimensionality for embeddings
}

// Client implements provider.Embedder and provider.Generator against the
// Gemini API. Safe for concurrent use.
type Client struct {
	client        *genai.Client
	model         string
	embedderModel string
	dim           int
}

var (
	_ provider.Embedder  = (*Client)(nil)
	_ provider.Generator = (*Client)(nil)
)

// New creates a Google AI client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Model == "" || cfg.EmbedderModel == "" {
		return nil, fmt.Errorf("googleai: model and embedder model are required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("googleai: dimension must be positive, got %d", cfg.Dimension)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating genai client: %w", provider.ErrProvider, err)
	}

	return &Client{
		client:        client,
		model:         cfg.Model,
		embedderModel: cfg.EmbedderModel,
		dim:           cfg.Dimension,
	}, nil
}

// Embed generates one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	dim := int32(c.dim)
	resp, err := c.client.Models.EmbedContent(ctx, c.embedderModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %w", provider.ErrProvider, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: embed returned %d vectors for %d texts",
			provider.ErrProvider, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", provider.ErrProvider, i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

// Dimension reports the configured output dimensionality.
func (c *Client) Dimension() int { return c.dim }

// Model reports the embedding model identifier.
// Used by vector indexes to reject cross-version vectors.
func (c *Client) Model() string { return c.embedderModel }

// Generate returns the full completion for the request.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), c.genConfig(req))
	if err != nil {
		return "", fmt.Errorf("%w: generate: %w", provider.ErrProvider, err)
	}
	return resp.Text(), nil
}

// Stream yields the completion incrementally. The sequence ends when the
// model finishes, an error occurs, or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req provider.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, genai.Text(req.Prompt), c.genConfig(req)) {
			if err != nil {
				yield("", fmt.Errorf("%w: stream: %w", provider.ErrProvider, err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func (c *Client) genConfig(req provider.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}
