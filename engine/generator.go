package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/metrics"
	"github.com/becomeliminal/nim-avatar/richtext"
)

// Reply generation parameters.
const (
	replyTemperature = 0.7
	replyMaxTokens   = 500
)

// Request is the input of one reply generation.
type Request struct {
	// Query is the incoming message text.
	Query string

	// Profile is the responder's personality profile. Empty uses the
	// default persona.
	Profile string

	// History is the recent conversation, one "You:"/"Them:" line per
	// message.
	History string

	// Context is the retrieved workspace context.
	Context string
}

// Generator writes avatar replies.
type Generator struct {
	completer Completer
	model     string
	logger    *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(completer Completer, opts ...Option) *Generator {
	s := applyOptions(opts)
	return &Generator{
		completer: completer,
		model:     s.model,
		logger:    s.logger.Named("engine"),
	}
}

// Generate returns a rich-text document body. It never fails: completion
// errors produce an apology document carrying the error detail.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	out, err := g.completer.Complete(ctx, CompletionRequest{
		System:      buildSystemPrompt(req.Profile, req.History, req.Context),
		User:        req.Query,
		Temperature: replyTemperature,
		MaxTokens:   replyMaxTokens,
		Model:       g.model,
	})
	out = strings.TrimSpace(out)
	if err == nil && out == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		g.logger.Warn("reply generation failed", zap.Error(err))
		metrics.Completions.WithLabelValues("reply", "error").Inc()
		return richtext.Apology(err.Error())
	}

	metrics.Completions.WithLabelValues("reply", "ok").Inc()
	g.logger.Debug("generated reply",
		zap.Bool("has_profile", req.Profile != ""),
		zap.Bool("has_context", req.Context != ""),
		zap.Int("length", len(out)))
	return richtext.Normalize(out)
}
