package engine

import (
	"math/rand/v2"

	"go.uber.org/zap"
)

// Option configures the Profiler and Generator.
type Option func(*settings)

type settings struct {
	logger      *zap.Logger
	model       string
	sampleSize  int
	minMessages int
	rand        *rand.Rand
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithModel overrides the completer's default model.
func WithModel(model string) Option {
	return func(s *settings) {
		s.model = model
	}
}

// WithSampleSize caps how many messages are sent for profiling.
func WithSampleSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.sampleSize = n
		}
	}
}

// WithMinMessages sets how many messages are needed before profiling calls
// the model.
func WithMinMessages(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.minMessages = n
		}
	}
}

// WithRand sets the random source used for sampling.
func WithRand(r *rand.Rand) Option {
	return func(s *settings) {
		s.rand = r
	}
}

func applyOptions(opts []Option) settings {
	s := settings{
		logger:      zap.NewNop(),
		sampleSize:  DefaultSampleSize,
		minMessages: DefaultMinMessages,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}
