package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/memory"
)

// ChromemStore wraps chromem-go as a memory.Index.
// chromem-go is a pure Go, embedded vector database.
type ChromemStore struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection // Per-namespace collections
	mu          sync.RWMutex
	logger      *zap.Logger
}

// Option configures the store.
type Option func(*ChromemStore)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *ChromemStore) {
		s.logger = l
	}
}

// New creates an in-memory store.
func New(opts ...Option) (*ChromemStore, error) {
	return newStore(chromem.NewDB(), opts), nil
}

// NewPersistent creates a store that writes every collection under dir.
func NewPersistent(dir string, opts ...Option) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", dir, err)
	}
	return newStore(db, opts), nil
}

func newStore(db *chromem.DB, opts []Option) *ChromemStore {
	s := &ChromemStore{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("chromem")
	return s
}

// getOrCreateCollection returns the collection for a namespace.
func (s *ChromemStore) getOrCreateCollection(namespace string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[namespace]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[namespace]; exists {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(
		"ns_"+namespace,
		nil, // No collection metadata
		nil, // No embedding func, vectors are always supplied
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s.collections[namespace] = col
	return col, nil
}

// Upsert writes records; an existing ID is overwritten.
func (s *ChromemStore) Upsert(ctx context.Context, namespace string, records ...memory.Record) error {
	col, err := s.getOrCreateCollection(namespace)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("record %s has no vector", rec.ID)
		}
		doc := chromem.Document{
			ID:        rec.ID,
			Content:   rec.Metadata.Text(),
			Embedding: rec.Vector,
			Metadata:  map[string]string(rec.Metadata),
		}
		if doc.Content == "" {
			doc.Content = rec.ID
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", rec.ID, err)
		}
	}

	s.logger.Debug("upserted", zap.String("namespace", namespace), zap.Int("count", len(records)))
	return nil
}

// Query retrieves records by vector similarity.
func (s *ChromemStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filter memory.Filter) ([]memory.Match, error) {
	col, err := s.getOrCreateCollection(namespace)
	if err != nil {
		return nil, err
	}

	// chromem-go requires nResults <= collection size
	limit := topK
	if n := col.Count(); n < limit {
		limit = n
	}
	if limit == 0 {
		s.logger.Debug("collection is empty", zap.String("namespace", namespace))
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = map[string]string(filter)
	}

	// The count can shrink between Count and the query when another
	// goroutine deletes; retry with smaller limits.
	var results []chromem.Result
	for ; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, vector, limit, where, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	if err != nil {
		return nil, nil
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.Match{
			ID:       r.ID,
			Score:    r.Similarity,
			Metadata: memory.Metadata(r.Metadata),
		})
	}

	s.logger.Debug("query",
		zap.String("namespace", namespace), zap.Int("top_k", topK), zap.Int("returned", len(matches)))
	return matches, nil
}

// Delete removes records by ID.
func (s *ChromemStore) Delete(ctx context.Context, namespace string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.getOrCreateCollection(namespace)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

// Close releases resources. Persistent databases write on every change,
// so there is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
