package avatar

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/engine"
	"github.com/becomeliminal/nim-avatar/metrics"
	"github.com/becomeliminal/nim-avatar/richtext"
	"github.com/becomeliminal/nim-avatar/scheduler"
)

// JobRespond is the scheduler kind of delayed avatar replies.
const JobRespond = "avatar.respond"

// Pipeline defaults.
const (
	DefaultDelay        = 3 * time.Second
	DefaultHistoryLimit = 10
	DefaultTopK         = 5

	// profileSourceLimit bounds how many authored messages feed profiling.
	profileSourceLimit = 500
)

// Profiler builds a personality profile from a user's messages.
type Profiler interface {
	Generate(ctx context.Context, messages []string) string
}

// Retriever returns workspace context for a query, or "".
type Retriever interface {
	Retrieve(ctx context.Context, query, workspaceID string, k int) string
}

// Generator writes a reply document.
type Generator interface {
	Generate(ctx context.Context, req engine.Request) string
}

// Synchronizer indexes new messages.
type Synchronizer interface {
	OnCreate(ctx context.Context, msg *core.Message)
}

// Queue schedules delayed jobs.
type Queue interface {
	scheduler.Enqueuer
	Register(kind string, h scheduler.Handler)
}

// Deps are the collaborators of a Pipeline. All are required.
type Deps struct {
	Store        Store
	Presence     core.Presence
	Messages     core.Messages
	Directory    core.Directory
	Queue        Queue
	Profiler     Profiler
	Retriever    Retriever
	Generator    Generator
	Synchronizer Synchronizer
}

// Pipeline decides whether an avatar answers a direct message, schedules
// the answer, and delivers it once the delay has passed.
type Pipeline struct {
	deps         Deps
	delay        time.Duration
	historyLimit int
	topK         int
	now          func() time.Time
	logger       *zap.Logger

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithDelay sets how long a reply waits before delivery.
func WithDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.delay = d
		}
	}
}

// WithHistoryLimit sets how many recent messages are sent as conversation.
func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.historyLimit = n
		}
	}
}

// WithTopK sets how many context snippets are retrieved.
func WithTopK(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithRateLimit caps scheduled replies per receiving member.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(p *Pipeline) {
		p.limit = limit
		p.burst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a pipeline and registers its job handler on
// deps.Queue.
func NewPipeline(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:         deps,
		delay:        DefaultDelay,
		historyLimit: DefaultHistoryLimit,
		topK:         DefaultTopK,
		now:          time.Now,
		logger:       zap.NewNop(),
		limit:        rate.Inf,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("avatar")
	deps.Queue.Register(JobRespond, p.handleJob)
	return p
}

// OnMessage evaluates a freshly stored message. Only human messages in
// direct conversations are considered; the avatar of the other participant
// is the one that may answer.
func (p *Pipeline) OnMessage(ctx context.Context, msg *core.Message) core.Result {
	if !msg.IsDirect() {
		return p.outcome(core.Skipped(core.ReasonNotDirect))
	}
	if msg.IsAIGenerated || msg.Kind == core.KindAI {
		return p.outcome(core.Skipped(core.ReasonOwnMessage))
	}

	conv, err := p.deps.Directory.Conversation(ctx, msg.ConversationID)
	if err != nil {
		return p.fail(fmt.Errorf("load conversation: %w", err))
	}
	receiverID, ok := conv.Other(msg.MemberID)
	if !ok {
		return p.outcome(core.Skipped(core.ReasonNoRecipient))
	}
	receiver, err := p.deps.Directory.Member(ctx, receiverID)
	if err != nil {
		return p.fail(fmt.Errorf("load member: %w", err))
	}

	return p.Handle(ctx, core.HandleInput{
		UserID:           receiver.UserID,
		MessageText:      richtext.PlainText(msg.Body),
		ConversationID:   msg.ConversationID,
		WorkspaceID:      msg.WorkspaceID,
		ReceiverMemberID: receiverID,
	})
}

// Handle evaluates an incoming message and schedules a reply when the
// receiver is away with an active avatar. It returns Scheduled or a
// terminal result and never panics.
func (p *Pipeline) Handle(ctx context.Context, in core.HandleInput) (res core.Result) {
	defer p.recoverTo(&res)

	if err := in.Validate(); err != nil {
		return p.fail(err)
	}

	logger := p.logger.With(zap.String("user_id", in.UserID), zap.String("conversation_id", in.ConversationID))

	active, err := p.deps.Store.IsActive(ctx, in.UserID)
	if err != nil {
		return p.fail(fmt.Errorf("check avatar state: %w", err))
	}
	if !active {
		logger.Debug("avatar not active, skipping")
		return p.outcome(core.Skipped(core.ReasonNotActive))
	}

	online, err := p.deps.Presence.IsOnline(ctx, in.ReceiverMemberID)
	if err != nil {
		return p.fail(fmt.Errorf("check presence: %w", err))
	}
	if online {
		logger.Debug("receiver online, skipping")
		return p.outcome(core.Skipped(core.ReasonOnline))
	}

	if !p.allow(in.ReceiverMemberID) {
		logger.Warn("reply rate exceeded, skipping")
		return p.outcome(core.Skipped(core.ReasonRateLimited))
	}

	jobID, err := p.deps.Queue.Enqueue(ctx, JobRespond, in, p.delay)
	if err != nil {
		return p.fail(fmt.Errorf("schedule reply: %w", err))
	}

	logger.Info("reply scheduled", zap.String("job_id", jobID), zap.Duration("delay", p.delay))
	return p.outcome(core.Scheduled(jobID))
}

// Execute is the body of a scheduled reply. Preconditions are checked again
// on entry and right before the insert; a change in either cancels the job.
func (p *Pipeline) Execute(ctx context.Context, in core.HandleInput) core.Result {
	start := p.now()
	defer func() {
		metrics.PipelineDuration.Observe(p.now().Sub(start).Seconds())
	}()
	return p.respond(ctx, in, true)
}

// TestResponse generates and delivers a reply immediately. It ignores
// presence and the delay but still requires an active avatar.
func (p *Pipeline) TestResponse(ctx context.Context, in core.HandleInput) core.Result {
	if err := in.Validate(); err != nil {
		return p.fail(err)
	}
	return p.respond(ctx, in, false)
}

func (p *Pipeline) handleJob(ctx context.Context, job *scheduler.Job) error {
	var in core.HandleInput
	if err := job.Decode(&in); err != nil {
		p.outcome(core.Failed(err.Error()))
		return err
	}

	res := p.Execute(ctx, in)
	if res.Kind == core.ResultFailed {
		return errors.New(res.Reason)
	}
	return nil
}

func (p *Pipeline) respond(ctx context.Context, in core.HandleInput, checkPresence bool) (res core.Result) {
	defer p.recoverTo(&res)

	logger := p.logger.With(zap.String("user_id", in.UserID), zap.String("conversation_id", in.ConversationID))

	if res, ok := p.precheck(ctx, in, checkPresence); !ok {
		logger.Info("reply cancelled before generation", zap.String("reason", res.Reason))
		return res
	}

	history, err := p.history(ctx, in)
	if err != nil {
		return p.fail(err)
	}
	profile := p.profile(ctx, in.UserID)
	retrieved := p.deps.Retriever.Retrieve(ctx, in.MessageText, in.WorkspaceID, p.topK)

	body := p.deps.Generator.Generate(ctx, engine.Request{
		Query:   in.MessageText,
		Profile: profile,
		History: history,
		Context: retrieved,
	})

	if res, ok := p.precheck(ctx, in, checkPresence); !ok {
		logger.Info("reply cancelled before delivery", zap.String("reason", res.Reason))
		return res
	}

	msg, err := p.deps.Messages.Insert(ctx, core.NewMessage{
		ConversationID: in.ConversationID,
		WorkspaceID:    in.WorkspaceID,
		MemberID:       in.ReceiverMemberID,
		Body:           richtext.Normalize(body),
		Kind:           core.KindAI,
		IsAIGenerated:  true,
	})
	if err != nil {
		return p.fail(fmt.Errorf("insert reply: %w", err))
	}

	if err := p.deps.Store.Touch(ctx, in.UserID); err != nil {
		logger.Warn("refresh last active failed", zap.Error(err))
	}
	p.deps.Synchronizer.OnCreate(ctx, msg)

	logger.Info("reply delivered", zap.String("message_id", msg.ID))
	return p.outcome(core.Delivered(msg.ID))
}

// precheck re-reads activation and, when asked, presence.
func (p *Pipeline) precheck(ctx context.Context, in core.HandleInput, checkPresence bool) (core.Result, bool) {
	active, err := p.deps.Store.IsActive(ctx, in.UserID)
	if err != nil {
		return p.fail(fmt.Errorf("check avatar state: %w", err)), false
	}
	if !active {
		if checkPresence {
			return p.outcome(core.Cancelled(core.ReasonNotActive)), false
		}
		return p.outcome(core.Skipped(core.ReasonNotActive)), false
	}
	if !checkPresence {
		return core.Result{}, true
	}

	online, err := p.deps.Presence.IsOnline(ctx, in.ReceiverMemberID)
	if err != nil {
		return p.fail(fmt.Errorf("check presence: %w", err)), false
	}
	if online {
		return p.outcome(core.Cancelled(core.ReasonOnline)), false
	}
	return core.Result{}, true
}

// history renders the recent conversation as "You:"/"Them:" lines, oldest
// first, from the receiver's point of view.
func (p *Pipeline) history(ctx context.Context, in core.HandleInput) (string, error) {
	recent, err := p.deps.Messages.Recent(ctx, in.ConversationID, p.historyLimit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		text := strings.TrimSpace(richtext.PlainText(m.Body))
		if text == "" {
			continue
		}
		speaker := "Them"
		if m.MemberID == in.ReceiverMemberID {
			speaker = "You"
		}
		lines = append(lines, speaker+": "+text)
	}
	return strings.Join(lines, "\n"), nil
}

// profile returns the stored profile, generating and storing it on first
// use.
func (p *Pipeline) profile(ctx context.Context, userID string) string {
	st, err := p.deps.Store.Get(ctx, userID)
	if err == nil && st.HasProfile() {
		return st.PersonalityProfile
	}

	profile, err := p.generateProfile(ctx, userID)
	if err != nil {
		p.logger.Warn("profile source unavailable, replying without stored profile",
			zap.String("user_id", userID), zap.Error(err))
		return profile
	}
	if err := p.deps.Store.SetPersonalityProfile(ctx, userID, profile); err != nil {
		p.logger.Warn("store profile failed", zap.String("user_id", userID), zap.Error(err))
	}
	return profile
}

// generateProfile runs the profiler over the user's authored messages. On a
// message load error it still returns the profiler's default.
func (p *Pipeline) generateProfile(ctx context.Context, userID string) (string, error) {
	authored, err := p.deps.Messages.ByUser(ctx, userID, profileSourceLimit)
	if err != nil {
		return p.deps.Profiler.Generate(ctx, nil), fmt.Errorf("load authored messages: %w", err)
	}

	texts := make([]string, 0, len(authored))
	for _, m := range authored {
		texts = append(texts, richtext.PlainText(m.Body))
	}
	return p.deps.Profiler.Generate(ctx, texts), nil
}

func (p *Pipeline) allow(memberID string) bool {
	if p.limit == rate.Inf {
		return true
	}
	p.mu.Lock()
	l, ok := p.limiters[memberID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[memberID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func (p *Pipeline) recoverTo(res *core.Result) {
	if r := recover(); r != nil {
		p.logger.Error("avatar pipeline panicked",
			zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		*res = p.outcome(core.Failed(fmt.Sprintf("panic: %v", r)))
	}
}

func (p *Pipeline) fail(err error) core.Result {
	p.logger.Warn("avatar pipeline failed", zap.Error(err))
	return p.outcome(core.Failed(err.Error()))
}

func (p *Pipeline) outcome(res core.Result) core.Result {
	metrics.PipelineOutcomes.WithLabelValues(string(res.Kind)).Inc()
	return res
}
