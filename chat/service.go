package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/richtext"
)

// Indexer keeps message vectors in step with writes.
type Indexer interface {
	OnCreate(ctx context.Context, msg *core.Message)
	OnUpdate(ctx context.Context, msg *core.Message, newBody string)
	OnDelete(ctx context.Context, messageID string)
}

// Responder evaluates a stored message for an avatar reply.
type Responder interface {
	OnMessage(ctx context.Context, msg *core.Message) core.Result
}

// Service runs the message write paths and their hooks.
type Service struct {
	store     *SQLiteStore
	indexer   Indexer
	responder Responder
	logger    *zap.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service. responder may be set later with
// SetResponder because the avatar pipeline itself reads from store.
func NewService(store *SQLiteStore, indexer Indexer, opts ...Option) *Service {
	s := &Service{
		store:   store,
		indexer: indexer,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("chat")
	return s
}

// SetResponder attaches the avatar pipeline.
func (s *Service) SetResponder(r Responder) {
	s.responder = r
}

// SendMessage stores a human message, schedules its indexing and lets the
// avatar evaluate it. The result is zero when no responder is attached.
func (s *Service) SendMessage(ctx context.Context, m core.NewMessage) (*core.Message, core.Result, error) {
	if err := validate(m); err != nil {
		return nil, core.Result{}, err
	}
	m.Kind = core.KindHuman
	m.IsAIGenerated = false

	msg, err := s.store.Insert(ctx, m)
	if err != nil {
		return nil, core.Result{}, err
	}
	s.indexer.OnCreate(ctx, msg)

	var res core.Result
	if s.responder != nil {
		res = s.responder.OnMessage(ctx, msg)
	}
	s.logger.Debug("message sent",
		zap.String("message_id", msg.ID), zap.String("avatar", string(res.Kind)))
	return msg, res, nil
}

// SendAIMessage stores an avatar-authored message. The body is normalized
// to a rich-text document.
func (s *Service) SendAIMessage(ctx context.Context, m core.NewMessage) (*core.Message, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	m.Body = richtext.Normalize(m.Body)
	m.Kind = core.KindAI
	m.IsAIGenerated = true

	msg, err := s.store.Insert(ctx, m)
	if err != nil {
		return nil, err
	}
	s.indexer.OnCreate(ctx, msg)
	return msg, nil
}

// EditMessage replaces a message body and re-indexes it.
func (s *Service) EditMessage(ctx context.Context, id, body string) (*core.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: body is required", core.ErrInvalidInput)
	}
	msg, err := s.store.UpdateBody(ctx, id, body)
	if err != nil {
		return nil, err
	}
	s.indexer.OnUpdate(ctx, msg, body)
	return msg, nil
}

// DeleteMessage removes a message and its vector.
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.indexer.OnDelete(ctx, id)
	return nil
}

func validate(m core.NewMessage) error {
	switch {
	case strings.TrimSpace(m.Body) == "":
		return fmt.Errorf("%w: body is required", core.ErrInvalidInput)
	case m.WorkspaceID == "":
		return fmt.Errorf("%w: workspaceId is required", core.ErrInvalidInput)
	case m.MemberID == "":
		return fmt.Errorf("%w: memberId is required", core.ErrInvalidInput)
	case m.ConversationID == "" && m.ChannelID == "":
		return fmt.Errorf("%w: conversationId or channelId is required", core.ErrInvalidInput)
	}
	return nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
