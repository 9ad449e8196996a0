// Package weaviate implements memory.Index on a Weaviate server. Each
// namespace maps to one class with a "none" vectorizer; vectors are always
// supplied by the caller.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/memory"
)

// recordIDProperty holds the caller's ID; Weaviate object IDs must be UUIDs.
const recordIDProperty = "recordId"

// idNamespace seeds the name-based UUIDs of stored objects.
var idNamespace = uuid.MustParse("6f1d5c1e-8a52-4c39-9d0e-5b0b1f1a7c21")

// metadataProperties are the text properties created on each class.
var metadataProperties = []string{
	memory.KeyText,
	memory.KeyMessageID,
	memory.KeyUserID,
	memory.KeyWorkspaceID,
	memory.KeyTimestamp,
	memory.KeyKind,
}

// Config configures the Weaviate index.
type Config struct {
	// URL of the server, e.g. http://localhost:8080.
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// ClassPrefix is prepended to the capitalized namespace.
	// Default: "Avatar" (namespace "messages" -> class "AvatarMessages").
	ClassPrefix string
}

// Store is a memory.Index backed by Weaviate.
type Store struct {
	client *weaviate.Client
	prefix string
	logger *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a client for cfg.URL. It does not contact the server.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("weaviate: URL is required")
	}

	clientCfg := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	if rest, ok := strings.CutPrefix(cfg.URL, "https://"); ok {
		clientCfg.Scheme, clientCfg.Host = "https", rest
	} else if rest, ok := strings.CutPrefix(cfg.URL, "http://"); ok {
		clientCfg.Host = rest
	}
	if cfg.APIKey != "" {
		clientCfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}

	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	prefix := cfg.ClassPrefix
	if prefix == "" {
		prefix = "Avatar"
	}

	s := &Store{
		client:  client,
		prefix:  prefix,
		logger:  zap.NewNop(),
		ensured: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("weaviate")
	return s, nil
}

// className maps a namespace to a valid class name.
func (s *Store) className(namespace string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	upper := true
	for _, r := range namespace {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// objectID derives a stable UUID from a record ID.
func objectID(namespace, id string) string {
	return uuid.NewSHA1(idNamespace, []byte(namespace+"/"+id)).String()
}

// ensureClass creates the namespace class on first use.
func (s *Store) ensureClass(ctx context.Context, class string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[class] {
		return nil
	}

	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", class, err)
	}
	if !exists {
		props := []*models.Property{{Name: recordIDProperty, DataType: []string{"text"}}}
		for _, name := range metadataProperties {
			props = append(props, &models.Property{Name: name, DataType: []string{"text"}})
		}
		err := s.client.Schema().ClassCreator().WithClass(&models.Class{
			Class:             class,
			Vectorizer:        "none",
			VectorIndexConfig: map[string]interface{}{"distance": "cosine"},
			Properties:        props,
		}).Do(ctx)
		if err != nil {
			return fmt.Errorf("create class %s: %w", class, err)
		}
		s.logger.Info("created class", zap.String("class", class))
	}

	s.ensured[class] = true
	return nil
}

// Upsert writes records, replacing objects that already exist.
func (s *Store) Upsert(ctx context.Context, namespace string, records ...memory.Record) error {
	class := s.className(namespace)
	if err := s.ensureClass(ctx, class); err != nil {
		return err
	}

	for _, rec := range records {
		id := objectID(namespace, rec.ID)
		props := map[string]interface{}{recordIDProperty: rec.ID}
		for k, v := range rec.Metadata {
			props[k] = v
		}

		exists, err := s.client.Data().Checker().WithClassName(class).WithID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("check object %s: %w", rec.ID, err)
		}
		if exists {
			err = s.client.Data().Updater().
				WithClassName(class).
				WithID(id).
				WithProperties(props).
				WithVector(rec.Vector).
				Do(ctx)
		} else {
			_, err = s.client.Data().Creator().
				WithClassName(class).
				WithID(id).
				WithProperties(props).
				WithVector(rec.Vector).
				Do(ctx)
		}
		if err != nil {
			return fmt.Errorf("write object %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Query runs a nearVector search restricted by filter.
func (s *Store) Query(ctx context.Context, namespace string, vector []float32, topK int, filter memory.Filter) ([]memory.Match, error) {
	class := s.className(namespace)
	if err := s.ensureClass(ctx, class); err != nil {
		return nil, err
	}

	fields := []graphql.Field{{Name: recordIDProperty}}
	for _, name := range metadataProperties {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{Name: "_additional { distance }"})

	q := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(topK)
	if where := buildWhere(filter); where != nil {
		q = q.WithWhere(where)
	}

	result, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query: %s", result.Errors[0].Message)
	}
	return parseMatches(result, class), nil
}

// Delete removes records by ID; missing objects are ignored.
func (s *Store) Delete(ctx context.Context, namespace string, ids ...string) error {
	class := s.className(namespace)
	for _, id := range ids {
		err := s.client.Data().Deleter().WithClassName(class).WithID(objectID(namespace, id)).Do(ctx)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete object %s: %w", id, err)
		}
	}
	return nil
}

// Close releases resources. The client holds no persistent connections.
func (s *Store) Close() error {
	return nil
}

// buildWhere turns an equality filter into a where clause, or nil.
func buildWhere(filter memory.Filter) *filters.WhereBuilder {
	if len(filter) == 0 {
		return nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(filter))
	for k, v := range filter {
		operands = append(operands, filters.Where().
			WithPath([]string{k}).
			WithOperator(filters.Equal).
			WithValueText(v))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// parseMatches extracts matches from a Get response.
func parseMatches(result *models.GraphQLResponse, class string) []memory.Match {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[class].([]interface{})
	if !ok {
		return nil
	}

	matches := make([]memory.Match, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		meta := memory.Metadata{}
		for _, name := range metadataProperties {
			if v, ok := m[name].(string); ok {
				meta[name] = v
			}
		}
		match := memory.Match{Metadata: meta}
		match.ID, _ = m[recordIDProperty].(string)
		if add, ok := m["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				match.Score = float32(1 - d)
			}
		}
		matches = append(matches, match)
	}
	return matches
}

func isNotFound(err error) bool {
	var werr *fault.WeaviateClientError
	return errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound
}
