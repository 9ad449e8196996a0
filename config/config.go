// Package config loads the avatar daemon configuration from YAML with
// environment variable expansion and .env support.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Avatar    AvatarConfig    `yaml:"avatar"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Presence  PresenceConfig  `yaml:"presence"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// StorageConfig holds the sqlite path. ":memory:" keeps everything in
// process.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	// Provider is "openai" or "anthropic".
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	ProfileModel string `yaml:"profile_model"`
	BaseURL      string `yaml:"base_url"`

	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// APIKey returns the key of the selected provider.
func (c LLMConfig) APIKey() string {
	if c.Provider == "anthropic" {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

// EmbeddingConfig selects the embedder.
type EmbeddingConfig struct {
	// Provider is "openai", "gemini", "onnx" or "mock".
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`

	// CacheSize is the number of cached embeddings. Zero disables the cache.
	CacheSize int64 `yaml:"cache_size"`

	// ONNX settings, used with provider "onnx".
	ONNXLibrary   string `yaml:"onnx_library"`
	ONNXModel     string `yaml:"onnx_model"`
	ONNXTokenizer string `yaml:"onnx_tokenizer"`
}

// VectorConfig selects the vector index.
type VectorConfig struct {
	// Backend is "chromem" or "weaviate".
	Backend   string  `yaml:"backend"`
	Namespace string  `yaml:"namespace"`
	MinScore  float32 `yaml:"min_score"`

	// PersistDir makes chromem write to disk. Empty keeps it in memory.
	PersistDir string `yaml:"persist_dir"`

	WeaviateURL    string `yaml:"weaviate_url"`
	WeaviateAPIKey string `yaml:"weaviate_api_key"`
	WeaviateClass  string `yaml:"weaviate_class_prefix"`
}

// AvatarConfig tunes the response pipeline.
type AvatarConfig struct {
	ResponseDelay      time.Duration `yaml:"response_delay"`
	HistoryLimit       int           `yaml:"history_limit"`
	ProfileSampleSize  int           `yaml:"profile_sample_size"`
	MinProfileMessages int           `yaml:"min_profile_messages"`
	TopK               int           `yaml:"top_k"`

	// RepliesPerMinute caps replies per receiving member. Zero is unlimited.
	RepliesPerMinute float64 `yaml:"replies_per_minute"`
	ReplyBurst       int     `yaml:"reply_burst"`
}

// SchedulerConfig tunes the job queue.
type SchedulerConfig struct {
	Workers   int    `yaml:"workers"`
	SweepSpec string `yaml:"sweep_spec"`
}

// PresenceConfig tunes the presence tracker.
type PresenceConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs fully offline: sqlite on disk,
// mock embeddings and an in-memory chromem index.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Storage: StorageConfig{
			Path: "avatar.db",
		},
		LLM: LLMConfig{
			Provider: "openai",
		},
		Embedding: EmbeddingConfig{
			Provider:   "mock",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			CacheSize:  10000,
		},
		Vector: VectorConfig{
			Backend:   "chromem",
			Namespace: "messages",
		},
		Avatar: AvatarConfig{
			ResponseDelay:      3 * time.Second,
			HistoryLimit:       10,
			ProfileSampleSize:  50,
			MinProfileMessages: 5,
			TopK:               5,
			ReplyBurst:         3,
		},
		Scheduler: SchedulerConfig{
			Workers:   8,
			SweepSpec: "@every 30s",
		},
		Presence: PresenceConfig{
			StaleAfter: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path loads only defaults and
// the environment.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// Parse expands environment references in data and decodes it over the
// defaults.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks structural settings. Missing credentials are not errors
// here; see Missing.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q: want openai or anthropic", c.LLM.Provider))
	}
	switch c.Embedding.Provider {
	case "openai", "gemini", "onnx", "mock":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q: want openai, gemini, onnx or mock", c.Embedding.Provider))
	}
	switch c.Vector.Backend {
	case "chromem":
	case "weaviate":
		if c.Vector.WeaviateURL == "" {
			errs = append(errs, errors.New("vector.weaviate_url is required for the weaviate backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector.backend %q: want chromem or weaviate", c.Vector.Backend))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, errors.New("embedding.dimensions must be positive"))
	}
	if c.Avatar.ResponseDelay < 0 {
		errs = append(errs, errors.New("avatar.response_delay must not be negative"))
	}
	return errors.Join(errs...)
}

// Missing lists capabilities whose credentials are absent. Operations that
// need them fail individually; the daemon still starts.
func (c *Config) Missing() []string {
	var missing []string
	if c.LLM.APIKey() == "" {
		missing = append(missing, "completion ("+c.LLM.Provider+" api key)")
	}
	switch c.Embedding.Provider {
	case "openai", "gemini":
		if c.Embedding.APIKey == "" {
			missing = append(missing, "embedding ("+c.Embedding.Provider+" api key)")
		}
	case "onnx":
		if c.Embedding.ONNXModel == "" || c.Embedding.ONNXTokenizer == "" {
			missing = append(missing, "embedding (onnx model and tokenizer)")
		}
	}
	return missing
}

// HasCompletion reports whether completion credentials are configured.
func (c *Config) HasCompletion() bool {
	return c.LLM.APIKey() != ""
}

// HasEmbedding reports whether the embedder can produce real embeddings.
func (c *Config) HasEmbedding() bool {
	for _, m := range c.Missing() {
		if strings.HasPrefix(m, "embedding") {
			return false
		}
	}
	return c.Embedding.Provider != "mock"
}

// HasVectorIndex reports whether an external or persistent index is set up.
func (c *Config) HasVectorIndex() bool {
	if c.Vector.Backend == "weaviate" {
		return c.Vector.WeaviateURL != ""
	}
	return true
}

// loadEnvFiles loads .env files from the working directory. Existing
// variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// resolveSecrets fills empty credentials from the standard variables.
func resolveSecrets(cfg *Config) {
	fill := func(dst *string, vars ...string) {
		if *dst != "" {
			return
		}
		for _, v := range vars {
			if val := os.Getenv(v); val != "" {
				*dst = val
				return
			}
		}
	}

	fill(&cfg.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	fill(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	switch cfg.Embedding.Provider {
	case "openai":
		fill(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
	case "gemini":
		fill(&cfg.Embedding.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	}
	fill(&cfg.Vector.WeaviateAPIKey, "WEAVIATE_API_KEY")
}
