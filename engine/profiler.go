package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/metrics"
)

// Profiling defaults.
const (
	DefaultSampleSize  = 50
	DefaultMinMessages = 5

	profileTemperature = 0.3
	profileMaxTokens   = 300
)

// Profiler summarizes a user's writing style from their messages.
type Profiler struct {
	completer   Completer
	model       string
	sampleSize  int
	minMessages int
	logger      *zap.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewProfiler creates a Profiler.
func NewProfiler(completer Completer, opts ...Option) *Profiler {
	s := applyOptions(opts)
	return &Profiler{
		completer:   completer,
		model:       s.model,
		sampleSize:  s.sampleSize,
		minMessages: s.minMessages,
		rand:        s.rand,
		logger:      s.logger.Named("engine"),
	}
}

// Generate returns a 2-3 sentence style profile. It never fails: too few
// messages or any completion error yield a default profile.
func (p *Profiler) Generate(ctx context.Context, messages []string) string {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		if t := strings.TrimSpace(m); t != "" {
			texts = append(texts, t)
		}
	}

	if len(texts) < p.minMessages {
		p.logger.Debug("not enough messages to profile", zap.Int("messages", len(texts)))
		metrics.Completions.WithLabelValues("profile", "fallback").Inc()
		return ProfileGeneric
	}

	sample := p.sample(texts)
	profile, err := p.completer.Complete(ctx, CompletionRequest{
		User:        fmt.Sprintf(profilePrompt, strings.Join(sample, "\n\n")),
		Temperature: profileTemperature,
		MaxTokens:   profileMaxTokens,
		Model:       p.model,
	})
	profile = strings.TrimSpace(profile)

	switch {
	case errors.Is(err, ErrNotConfigured):
		p.logger.Warn("completion provider not configured, using default profile")
		metrics.Completions.WithLabelValues("profile", "fallback").Inc()
		return ProfileNoCredentials
	case err != nil:
		p.logger.Warn("profile generation failed", zap.Error(err))
		metrics.Completions.WithLabelValues("profile", "error").Inc()
		return ProfileGeneric
	case profile == "":
		p.logger.Warn("profile generation returned no text")
		metrics.Completions.WithLabelValues("profile", "error").Inc()
		return ProfileGeneric
	}

	metrics.Completions.WithLabelValues("profile", "ok").Inc()
	p.logger.Info("generated personality profile",
		zap.Int("messages", len(texts)), zap.Int("sampled", len(sample)))
	return profile
}

// sample picks up to sampleSize messages uniformly at random.
func (p *Profiler) sample(texts []string) []string {
	out := append([]string(nil), texts...)
	p.mu.Lock()
	p.rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	p.mu.Unlock()
	if len(out) > p.sampleSize {
		out = out[:p.sampleSize]
	}
	return out
}
