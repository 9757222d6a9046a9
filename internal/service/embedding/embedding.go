// Package embedding provides vector embedding generation for semantic tool ranking.
//
// Provider is the embedding capability: OpenAI (or any OpenAI-compatible
// endpoint), Ollama, and a noop provider that reports itself unavailable so
// callers take their keyword fallback. CachedProvider wraps any provider with
// an LRU or Redis cache.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrNoProvider is returned by NoopProvider. Callers treat it as "embedding
// backend unavailable" rather than a hard failure.
var ErrNoProvider = errors.New("embedding: no provider configured")

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// OpenAIProvider generates embeddings through the OpenAI embeddings API.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIProvider creates a provider for the given model. baseURL may point
// at any OpenAI-compatible server; empty means api.openai.com.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("embedding: openai provider requires an API key")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive, got %d", dimensions)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}, nil
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	// Results are placed by index, not response order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, fmt.Errorf("embedding: expected %d dimensions, got %d", p.dimensions, len(d.Embedding))
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}

// NoopProvider is used when no embedding backend is configured. Every call
// fails with ErrNoProvider.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that reports itself unavailable.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the configured vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed always returns ErrNoProvider.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.Vector{}, ErrNoProvider
}

// EmbedBatch always returns ErrNoProvider.
func (p *NoopProvider) EmbedBatch(_ context.Context, _ []string) ([]pgvector.Vector, error) {
	return nil, ErrNoProvider
}
