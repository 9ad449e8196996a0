// Package server exposes the avatar over HTTP, a presence websocket and a
// gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/avatar"
	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/memory"
)

// Pipeline is the avatar surface the API calls.
type Pipeline interface {
	Handle(ctx context.Context, in core.HandleInput) core.Result
	TestResponse(ctx context.Context, in core.HandleInput) core.Result
	UpdateProfile(ctx context.Context, userID string) (string, error)
	SetProfile(ctx context.Context, userID, profile string) error
}

// Chat is the message write surface.
type Chat interface {
	SendMessage(ctx context.Context, m core.NewMessage) (*core.Message, core.Result, error)
	SendAIMessage(ctx context.Context, m core.NewMessage) (*core.Message, error)
	EditMessage(ctx context.Context, id, body string) (*core.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Searcher runs semantic search over a workspace.
type Searcher interface {
	Search(ctx context.Context, query, workspaceID string, k int) ([]memory.Match, error)
}

// Presence receives session updates from the websocket feed.
type Presence interface {
	Connect(memberID string)
	Disconnect(memberID string)
	Update(memberID string, online bool)
}

// Deps are the collaborators served by the API.
type Deps struct {
	Store        avatar.Store
	Pipeline     Pipeline
	Chat         Chat
	Search       Searcher
	Presence     Presence
	Capabilities avatar.Capabilities
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	logger *zap.Logger
	engine *gin.Engine
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New builds the router.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:   deps,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	a := r.Group("/avatar")
	a.GET("/setup", s.setup)
	a.POST("/handle", s.handle)
	a.POST("/test", s.testResponse)
	a.GET("/:userId", s.getState)
	a.POST("/:userId/activate", s.activate)
	a.POST("/:userId/deactivate", s.deactivate)
	a.PUT("/:userId/profile", s.setProfile)
	a.POST("/:userId/profile/regenerate", s.regenerateProfile)

	m := r.Group("/messages")
	m.POST("", s.sendMessage)
	m.PATCH("/:id", s.editMessage)
	m.DELETE("/:id", s.deleteMessage)

	r.GET("/workspaces/:id/search", s.search)
	r.GET("/richtext/sample", s.richtextSample)
	r.GET("/ws/presence", s.presenceFeed)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
