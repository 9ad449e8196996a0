package memory

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"
)

// Metadata keys stored with every message vector.
const (
	KeyText        = "text"
	KeyMessageID   = "messageId"
	KeyUserID      = "userId"
	KeyWorkspaceID = "workspaceId"
	KeyTimestamp   = "timestamp"
	KeyKind        = "kind"

	// KindMessage tags vectors that come from chat messages.
	KindMessage = "message"
)

// Metadata is the flat string map stored next to a vector.
type Metadata map[string]string

// Text returns the indexed text.
func (m Metadata) Text() string { return m[KeyText] }

// Timestamp returns the message time, or the zero time if absent.
func (m Metadata) Timestamp() time.Time {
	ms, err := strconv.ParseInt(m[KeyTimestamp], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Record is one vector with its metadata. IDs are unique per namespace and
// writing an existing ID replaces it.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Match is a query hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Filter restricts a query to records whose metadata equals every entry.
type Filter map[string]string

// Index is the vector storage backend.
// Implementations: chromem (embedded), weaviate (external).
type Index interface {
	// Upsert writes records into namespace, replacing existing IDs.
	Upsert(ctx context.Context, namespace string, records ...Record) error

	// Query returns up to topK records of namespace matching filter, most
	// similar first.
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error)

	// Delete removes records by ID. Missing IDs are not an error.
	Delete(ctx context.Context, namespace string, ids ...string) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to embedding vectors.
// Implementations: openai, gemini, onnx, mock, and the cache decorator.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Config holds Retriever and Synchronizer configuration.
type Config struct {
	// Namespace is the index partition for message vectors.
	// Default: "messages".
	Namespace string

	// TopK is the number of snippets retrieved when the caller passes 0.
	// Default: 5.
	TopK int

	// MinScore drops matches below this similarity.
	// Default: 0 (keep everything the index returns).
	MinScore float32
}

// DefaultConfig mirrors the production index layout.
var DefaultConfig = &Config{
	Namespace: "messages",
	TopK:      5,
	MinScore:  0,
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig
	}
	out := *c
	if out.Namespace == "" {
		out.Namespace = DefaultConfig.Namespace
	}
	if out.TopK <= 0 {
		out.TopK = DefaultConfig.TopK
	}
	return &out
}

// truncateLog truncates text to maxLen runes for logging.
func truncateLog(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
