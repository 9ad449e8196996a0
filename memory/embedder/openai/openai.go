// Package openai embeds text through the OpenAI embeddings API or any
// server that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Defaults of the production index.
const (
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
)

// ErrMissingAPIKey is returned when no key is configured.
var ErrMissingAPIKey = errors.New("openai embedder: api key is required")

// Config configures the embedder.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a local
	// OpenAI-compatible server. Default: https://api.openai.com/v1
	BaseURL string

	// Model is the embedding model. Default: text-embedding-3-small.
	Model string

	// Dimensions is the vector size requested from the API. Default: 1536.
	Dimensions int
}

// Embedder calls CreateEmbeddings for each text.
type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// New creates an embedder. It fails without an API key.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Embedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed converts a single text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: empty response")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != e.dimensions {
		return nil, fmt.Errorf("create embedding: got %d dimensions, want %d", len(vec), e.dimensions)
	}
	return vec, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
