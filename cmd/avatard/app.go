package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-avatar/avatar"
	"github.com/becomeliminal/nim-avatar/chat"
	"github.com/becomeliminal/nim-avatar/config"
	"github.com/becomeliminal/nim-avatar/engine"
	"github.com/becomeliminal/nim-avatar/memory"
	"github.com/becomeliminal/nim-avatar/memory/embedder/cache"
	"github.com/becomeliminal/nim-avatar/memory/embedder/gemini"
	"github.com/becomeliminal/nim-avatar/memory/embedder/mock"
	"github.com/becomeliminal/nim-avatar/memory/embedder/openai"
	"github.com/becomeliminal/nim-avatar/memory/store/chromem"
	"github.com/becomeliminal/nim-avatar/memory/store/weaviate"
	"github.com/becomeliminal/nim-avatar/presence"
	"github.com/becomeliminal/nim-avatar/scheduler"
	"github.com/becomeliminal/nim-avatar/storage"
)

// app is the fully wired daemon.
type app struct {
	db        *sql.DB
	avatars   *avatar.SQLiteStore
	chatStore *chat.SQLiteStore
	chat      *chat.Service
	queue     *scheduler.Queue
	index     memory.Index
	embedder  memory.Embedder
	retriever *memory.Retriever
	presence  *presence.Tracker
	pipeline  *avatar.Pipeline
	caps      avatar.Capabilities

	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}
	a.closers = append(a.closers, db.Close)

	a.embedder, err = buildEmbedder(ctx, cfg.Embedding, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if c, ok := a.embedder.(*cache.Embedder); ok {
		a.closers = append(a.closers, func() error {
			c.Close()
			return nil
		})
	}

	a.index, err = buildIndex(cfg.Vector, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.index.Close)

	a.queue = scheduler.New(scheduler.NewSQLiteJobStore(db),
		scheduler.WithLogger(logger),
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithSweepSpec(cfg.Scheduler.SweepSpec),
	)

	memCfg := &memory.Config{
		Namespace: cfg.Vector.Namespace,
		TopK:      cfg.Avatar.TopK,
		MinScore:  cfg.Vector.MinScore,
	}
	syncer := memory.NewSynchronizer(a.index, a.embedder, a.queue, memCfg, memory.WithLogger(logger))
	a.retriever = memory.NewRetriever(a.index, a.embedder, memCfg, memory.WithLogger(logger))

	completer := buildCompleter(cfg.LLM)
	profiler := engine.NewProfiler(completer,
		engine.WithLogger(logger),
		engine.WithModel(cfg.LLM.ProfileModel),
		engine.WithSampleSize(cfg.Avatar.ProfileSampleSize),
		engine.WithMinMessages(cfg.Avatar.MinProfileMessages),
	)
	generator := engine.NewGenerator(completer,
		engine.WithLogger(logger),
		engine.WithModel(cfg.LLM.Model),
	)

	a.presence = presence.NewTracker(
		presence.WithStaleAfter(cfg.Presence.StaleAfter),
		presence.WithLogger(logger),
	)

	a.avatars = avatar.NewSQLiteStore(db)
	a.chatStore = chat.NewSQLiteStore(db)
	a.chat = chat.NewService(a.chatStore, syncer, chat.WithLogger(logger))

	opts := []avatar.Option{
		avatar.WithLogger(logger),
		avatar.WithDelay(cfg.Avatar.ResponseDelay),
		avatar.WithHistoryLimit(cfg.Avatar.HistoryLimit),
		avatar.WithTopK(cfg.Avatar.TopK),
	}
	if cfg.Avatar.RepliesPerMinute > 0 {
		perReply := time.Duration(float64(time.Minute) / cfg.Avatar.RepliesPerMinute)
		opts = append(opts, avatar.WithRateLimit(rate.Every(perReply), cfg.Avatar.ReplyBurst))
	}
	a.pipeline = avatar.NewPipeline(avatar.Deps{
		Store:        a.avatars,
		Presence:     a.presence,
		Messages:     a.chatStore,
		Directory:    a.chatStore,
		Queue:        a.queue,
		Profiler:     profiler,
		Retriever:    a.retriever,
		Generator:    generator,
		Synchronizer: syncer,
	}, opts...)
	a.chat.SetResponder(a.pipeline)

	a.caps = avatar.Capabilities{
		Completion:  cfg.HasCompletion(),
		Embedding:   cfg.HasEmbedding(),
		VectorIndex: cfg.HasVectorIndex(),
	}

	for _, m := range cfg.Missing() {
		logger.Warn("capability not configured", zap.String("missing", m))
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildCompleter(c config.LLMConfig) engine.Completer {
	pc := engine.ProviderConfig{
		APIKey:  c.APIKey(),
		BaseURL: c.BaseURL,
		Model:   c.Model,
	}
	if c.Provider == "anthropic" {
		return engine.NewAnthropicCompleter(pc)
	}
	return engine.NewOpenAICompleter(pc)
}

// buildEmbedder falls back to mock vectors when the provider's credentials
// are missing, so the daemon starts without them.
func buildEmbedder(ctx context.Context, c config.EmbeddingConfig, logger *zap.Logger) (memory.Embedder, error) {
	var (
		base memory.Embedder
		err  error
	)
	switch c.Provider {
	case "openai":
		base, err = openai.New(openai.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			Model:      c.Model,
			Dimensions: c.Dimensions,
		})
		if errors.Is(err, openai.ErrMissingAPIKey) {
			logger.Warn("openai embedder has no api key, using mock embeddings")
			base, err = mock.NewWithDimensions(c.Dimensions), nil
		}
	case "gemini":
		base, err = gemini.New(ctx, gemini.Config{
			APIKey:     c.APIKey,
			Model:      c.Model,
			Dimensions: c.Dimensions,
		})
		if errors.Is(err, gemini.ErrMissingAPIKey) {
			logger.Warn("gemini embedder has no api key, using mock embeddings")
			base, err = mock.NewWithDimensions(c.Dimensions), nil
		}
	case "onnx":
		base, err = newONNXEmbedder(c)
	default:
		base = mock.NewWithDimensions(c.Dimensions)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s embedder: %w", c.Provider, err)
	}

	if c.CacheSize <= 0 {
		return base, nil
	}
	return cache.New(base, c.CacheSize)
}

func buildIndex(c config.VectorConfig, logger *zap.Logger) (memory.Index, error) {
	switch c.Backend {
	case "weaviate":
		return weaviate.New(weaviate.Config{
			URL:         c.WeaviateURL,
			APIKey:      c.WeaviateAPIKey,
			ClassPrefix: c.WeaviateClass,
		}, weaviate.WithLogger(logger))
	default:
		if c.PersistDir != "" {
			return chromem.NewPersistent(c.PersistDir, chromem.WithLogger(logger))
		}
		return chromem.New(chromem.WithLogger(logger))
	}
}
