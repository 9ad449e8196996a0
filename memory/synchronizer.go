package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/metrics"
	"github.com/becomeliminal/nim-avatar/richtext"
	"github.com/becomeliminal/nim-avatar/scheduler"
)

// Job kinds registered by the Synchronizer.
const (
	JobUpsert = "vector.upsert"
	JobDelete = "vector.delete"
)

// Queue is the part of the scheduler the Synchronizer needs.
type Queue interface {
	scheduler.Enqueuer
	Register(kind string, h scheduler.Handler)
}

type upsertPayload struct {
	MessageDoc
	Seq uint64 `json:"seq"`
}

type deletePayload struct {
	MessageID string `json:"messageId"`
	Seq       uint64 `json:"seq"`
}

// messageLane orders the index writes of one message. Jobs run on a shared
// worker pool, so only the most recently scheduled write for a message may
// touch the index.
type messageLane struct {
	mu      sync.Mutex
	latest  uint64
	pending int
}

// Synchronizer keeps the vector index in step with message writes. Every
// entry point only schedules work; failures are logged and never reach the
// message path.
type Synchronizer struct {
	index    Index
	embedder Embedder
	queue    Queue
	config   *Config
	logger   *zap.Logger

	mu    sync.Mutex
	seq   uint64
	lanes map[string]*messageLane
}

// Option configures the Synchronizer and Retriever.
type Option func(*settings)

type settings struct {
	logger *zap.Logger
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

func applyOptions(opts []Option) settings {
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewSynchronizer creates a Synchronizer and registers its job handlers on
// queue.
func NewSynchronizer(index Index, embedder Embedder, queue Queue, config *Config, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		index:    index,
		embedder: embedder,
		queue:    queue,
		config:   config.withDefaults(),
		logger:   applyOptions(opts).logger.Named("memory"),
		lanes:    make(map[string]*messageLane),
	}
	queue.Register(JobUpsert, s.handleUpsert)
	queue.Register(JobDelete, s.handleDelete)
	return s
}

// OnCreate schedules indexing of a new message.
func (s *Synchronizer) OnCreate(ctx context.Context, msg *core.Message) {
	s.scheduleUpsert(ctx, msg, msg.Body)
}

// OnUpdate schedules re-indexing of an edited message under the same ID. An
// edit that leaves no text removes the vector instead.
func (s *Synchronizer) OnUpdate(ctx context.Context, msg *core.Message, newBody string) {
	if strings.TrimSpace(richtext.PlainText(newBody)) == "" {
		s.OnDelete(ctx, msg.ID)
		return
	}
	s.scheduleUpsert(ctx, msg, newBody)
}

// OnDelete schedules removal of a message vector.
func (s *Synchronizer) OnDelete(ctx context.Context, messageID string) {
	seq, prev := s.reserve(messageID)
	if _, err := s.queue.Enqueue(ctx, JobDelete, deletePayload{MessageID: messageID, Seq: seq}, 0); err != nil {
		s.unreserve(messageID, seq, prev)
		metrics.VectorSync.WithLabelValues("delete", "error").Inc()
		s.logger.Warn("schedule vector delete failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (s *Synchronizer) scheduleUpsert(ctx context.Context, msg *core.Message, body string) {
	text := strings.TrimSpace(richtext.PlainText(body))
	if text == "" {
		s.logger.Debug("skipping empty message", zap.String("message_id", msg.ID))
		return
	}

	p := upsertPayload{MessageDoc: MessageDoc{
		MessageID:   msg.ID,
		Text:        text,
		UserID:      msg.UserID,
		WorkspaceID: msg.WorkspaceID,
		Timestamp:   msg.CreatedAt,
	}}
	var prev uint64
	p.Seq, prev = s.reserve(msg.ID)
	if _, err := s.queue.Enqueue(ctx, JobUpsert, p, 0); err != nil {
		s.unreserve(msg.ID, p.Seq, prev)
		metrics.VectorSync.WithLabelValues("upsert", "error").Inc()
		s.logger.Warn("schedule vector upsert failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// reserve records a new write for messageID and returns its sequence number
// and the one it superseded.
func (s *Synchronizer) reserve(messageID string) (seq, prev uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.lanes[messageID]
	if !ok {
		lane = &messageLane{}
		s.lanes[messageID] = lane
	}
	s.seq++
	prev = lane.latest
	lane.latest = s.seq
	lane.pending++
	return s.seq, prev
}

// unreserve rolls back a write whose job was never queued.
func (s *Synchronizer) unreserve(messageID string, seq, prev uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane := s.lanes[messageID]
	if lane == nil {
		return
	}
	if lane.latest == seq {
		lane.latest = prev
	}
	s.dropLocked(messageID, lane)
}

// run executes fn for the write seq of messageID while holding the message's
// lane. It reports false without calling fn when a later write was
// scheduled. Jobs recovered after a restart carry sequence numbers this
// process never issued and always run.
func (s *Synchronizer) run(messageID string, seq uint64, fn func() error) (bool, error) {
	s.mu.Lock()
	lane, ok := s.lanes[messageID]
	if !ok {
		lane = &messageLane{pending: 1}
		s.lanes[messageID] = lane
	}
	s.mu.Unlock()

	lane.mu.Lock()
	s.mu.Lock()
	current := lane.latest == 0 || lane.latest == seq
	s.mu.Unlock()

	var err error
	if current {
		err = fn()
	}
	lane.mu.Unlock()

	s.mu.Lock()
	s.dropLocked(messageID, lane)
	s.mu.Unlock()
	return current, err
}

func (s *Synchronizer) dropLocked(messageID string, lane *messageLane) {
	lane.pending--
	if lane.pending <= 0 && s.lanes[messageID] == lane {
		delete(s.lanes, messageID)
	}
}

func (s *Synchronizer) handleUpsert(ctx context.Context, job *scheduler.Job) error {
	var p upsertPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	doc := p.MessageDoc

	ran, err := s.run(doc.MessageID, p.Seq, func() error {
		return s.upsert(ctx, doc)
	})
	if !ran {
		s.logger.Debug("skipping superseded upsert", zap.String("message_id", doc.MessageID))
		return nil
	}
	metrics.VectorSync.WithLabelValues("upsert", metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Warn("vector upsert failed", zap.String("message_id", doc.MessageID), zap.Error(err))
		return err
	}
	s.logger.Debug("indexed message",
		zap.String("message_id", doc.MessageID), zap.String("text", truncateLog(doc.Text, 50)))
	return nil
}

func (s *Synchronizer) upsert(ctx context.Context, doc MessageDoc) error {
	vector, err := s.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("embed message: %w", err)
	}
	if err := s.index.Upsert(ctx, s.config.Namespace, doc.Record(vector)); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

func (s *Synchronizer) handleDelete(ctx context.Context, job *scheduler.Job) error {
	var p deletePayload
	if err := job.Decode(&p); err != nil {
		return err
	}

	ran, err := s.run(p.MessageID, p.Seq, func() error {
		return s.index.Delete(ctx, s.config.Namespace, p.MessageID)
	})
	if !ran {
		s.logger.Debug("skipping superseded delete", zap.String("message_id", p.MessageID))
		return nil
	}
	metrics.VectorSync.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Warn("vector delete failed", zap.String("message_id", p.MessageID), zap.Error(err))
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}
