package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Retriever assembles past messages relevant to a query into a context
// block for generation.
type Retriever struct {
	index    Index
	embedder Embedder
	config   *Config
	logger   *zap.Logger
}

// NewRetriever creates a Retriever. A nil config uses DefaultConfig.
func NewRetriever(index Index, embedder Embedder, config *Config, opts ...Option) *Retriever {
	return &Retriever{
		index:    index,
		embedder: embedder,
		config:   config.withDefaults(),
		logger:   applyOptions(opts).logger.Named("memory"),
	}
}

// Retrieve returns the texts of the k closest messages in workspaceID joined
// by blank lines. It never fails: any embedding or index error is logged and
// yields an empty block, and so does an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query, workspaceID string, k int) string {
	matches, err := r.Search(ctx, query, workspaceID, k)
	if err != nil {
		r.logger.Warn("retrieval failed, continuing without context",
			zap.String("workspace_id", workspaceID), zap.Error(err))
		return ""
	}

	r.logger.Debug("retrieved context",
		zap.Int("matches", len(matches)), zap.String("query", truncateLog(query, 50)))
	if len(matches) == 0 {
		return ""
	}

	texts := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := strings.TrimSpace(m.Metadata.Text()); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

// Search returns scored matches for query within workspaceID.
func (r *Retriever) Search(ctx context.Context, query, workspaceID string, k int) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = r.config.TopK
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.index.Query(ctx, r.config.Namespace, embedding, k, WorkspaceFilter(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	if r.config.MinScore <= 0 {
		return matches, nil
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.Score >= r.config.MinScore {
			kept = append(kept, m)
		}
	}
	return kept, nil
}
