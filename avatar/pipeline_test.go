package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/engine"
	"github.com/becomeliminal/nim-avatar/richtext"
	"github.com/becomeliminal/nim-avatar/scheduler"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (f *fakePresence) set(memberID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[memberID] = online
}

func (f *fakePresence) IsOnline(_ context.Context, memberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[memberID], nil
}

type fakeChat struct {
	mu       sync.Mutex
	seq      int
	messages []core.Message
	members  map[string]core.Member
	convs    map[string]core.Conversation
	failRead bool
}

func (f *fakeChat) Insert(_ context.Context, m core.NewMessage) (*core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	msg := core.Message{
		ID:             fmt.Sprintf("m%d", f.seq),
		ConversationID: m.ConversationID,
		WorkspaceID:    m.WorkspaceID,
		MemberID:       m.MemberID,
		UserID:         f.members[m.MemberID].UserID,
		Body:           m.Body,
		Kind:           m.Kind,
		IsAIGenerated:  m.IsAIGenerated,
		CreatedAt:      time.Now(),
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeChat) Recent(_ context.Context, conversationID string, n int) ([]core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRead {
		return nil, errors.New("db closed")
	}
	var out []core.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (f *fakeChat) ByUser(_ context.Context, userID string, limit int) ([]core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Message
	for _, m := range f.messages {
		if m.UserID == userID && !m.IsAIGenerated && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeChat) Member(_ context.Context, id string) (*core.Member, error) {
	m, ok := f.members[id]
	if !ok {
		return nil, errors.New("member not found")
	}
	return &m, nil
}

func (f *fakeChat) Conversation(_ context.Context, id string) (*core.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	return &c, nil
}

func (f *fakeChat) setFailRead(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead = fail
}

func (f *fakeChat) aiMessages() []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Message
	for _, m := range f.messages {
		if m.IsAIGenerated {
			out = append(out, m)
		}
	}
	return out
}

type fakeProfiler struct{ calls atomic.Int32 }

func (f *fakeProfiler) Generate(_ context.Context, messages []string) string {
	f.calls.Add(1)
	return fmt.Sprintf("Profile from %d messages.", len(messages))
}

type fakeRetriever struct{ text string }

func (f fakeRetriever) Retrieve(context.Context, string, string, int) string { return f.text }

type fakeGenerator struct {
	mu     sync.Mutex
	reqs   []engine.Request
	body   string
	before func()
}

func (f *fakeGenerator) Generate(_ context.Context, req engine.Request) string {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before()
	}
	return f.body
}

func (f *fakeGenerator) last() engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeSync struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeSync) OnCreate(_ context.Context, msg *core.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, msg.ID)
}

func (f *fakeSync) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

type harness struct {
	store    *MemoryStore
	presence *fakePresence
	chat     *fakeChat
	profiler *fakeProfiler
	gen      *fakeGenerator
	sync     *fakeSync
	jobs     *scheduler.MemoryJobStore
	queue    *scheduler.Queue
	pipeline *Pipeline
}

// newHarness wires a pipeline where alice (member ma, user ua) and bob
// (member mb, user ub) share direct conversation c1 in workspace w1.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		presence: &fakePresence{online: map[string]bool{}},
		chat: &fakeChat{
			members: map[string]core.Member{
				"ma": {ID: "ma", UserID: "ua", WorkspaceID: "w1"},
				"mb": {ID: "mb", UserID: "ub", WorkspaceID: "w1"},
			},
			convs: map[string]core.Conversation{
				"c1": {ID: "c1", WorkspaceID: "w1", MemberOneID: "ma", MemberTwoID: "mb"},
			},
		},
		profiler: &fakeProfiler{},
		gen:      &fakeGenerator{body: richtext.Wrap("Back soon, will check.")},
		sync:     &fakeSync{},
		jobs:     scheduler.NewMemoryJobStore(),
	}
	h.queue = scheduler.New(h.jobs, scheduler.WithSweepSpec(""))
	h.pipeline = NewPipeline(Deps{
		Store:        h.store,
		Presence:     h.presence,
		Messages:     h.chat,
		Directory:    h.chat,
		Queue:        h.queue,
		Profiler:     h.profiler,
		Retriever:    fakeRetriever{text: "the offsite is in May"},
		Generator:    h.gen,
		Synchronizer: h.sync,
	}, append([]Option{WithDelay(20 * time.Millisecond)}, opts...)...)
	require.NoError(t, h.queue.Start(context.Background()))
	t.Cleanup(h.queue.Stop)
	return h
}

// send stores a human message from member to c1 and runs OnMessage.
func (h *harness) send(t *testing.T, member, text string) core.Result {
	t.Helper()
	msg, err := h.chat.Insert(context.Background(), core.NewMessage{
		ConversationID: "c1",
		WorkspaceID:    "w1",
		MemberID:       member,
		Body:           richtext.Wrap(text),
		Kind:           core.KindHuman,
	})
	require.NoError(t, err)
	return h.pipeline.OnMessage(context.Background(), msg)
}

func (h *harness) waitJob(t *testing.T, id string) *scheduler.Job {
	t.Helper()
	var job *scheduler.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == scheduler.StatusDone || j.Status == scheduler.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestPipeline_InactiveAvatarIsSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)

	res := h.send(t, "ma", "Are you free for lunch?")
	assert.Equal(t, core.Skipped(core.ReasonNotActive), res)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, h.chat.aiMessages())
	assert.Empty(t, h.sync.ids())
	pending, err := h.jobs.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPipeline_OnlineReceiverIsSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	_, err := h.store.Activate(context.Background(), "ub")
	require.NoError(t, err)
	h.presence.set("mb", true)

	res := h.send(t, "ma", "ping")
	assert.Equal(t, core.Skipped(core.ReasonOnline), res)
}

func TestPipeline_NonEligibleMessages(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()

	res := h.pipeline.OnMessage(ctx, &core.Message{ChannelID: "general", WorkspaceID: "w1", MemberID: "ma"})
	assert.Equal(t, core.Skipped(core.ReasonNotDirect), res)

	res = h.pipeline.OnMessage(ctx, &core.Message{ConversationID: "c1", MemberID: "mb", Kind: core.KindAI, IsAIGenerated: true})
	assert.Equal(t, core.Skipped(core.ReasonOwnMessage), res)

	h.chat.convs["c2"] = core.Conversation{ID: "c2", MemberOneID: "mb", MemberTwoID: "mc"}
	res = h.pipeline.OnMessage(ctx, &core.Message{ConversationID: "c2", MemberID: "ma"})
	assert.Equal(t, core.Skipped(core.ReasonNoRecipient), res)

	res = h.pipeline.Handle(ctx, core.HandleInput{UserID: "ub"})
	assert.Equal(t, core.ResultFailed, res.Kind)
	assert.Contains(t, res.Reason, "conversationId")
}

func TestPipeline_DeliversReply(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Activate(ctx, "ub")
	require.NoError(t, err)

	for i := range 6 {
		_, err := h.chat.Insert(ctx, core.NewMessage{
			ConversationID: "c9", WorkspaceID: "w1", MemberID: "mb",
			Body: richtext.Wrap(fmt.Sprintf("old note %d", i)), Kind: core.KindHuman,
		})
		require.NoError(t, err)
	}
	h.send(t, "mb", "I'll be out Friday")
	res := h.send(t, "ma", "Can we meet at 5?")
	require.Equal(t, core.ResultScheduled, res.Kind)
	require.NotEmpty(t, res.JobID)

	job := h.waitJob(t, res.JobID)
	assert.Equal(t, scheduler.StatusDone, job.Status)

	replies := h.chat.aiMessages()
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, core.KindAI, reply.Kind)
	assert.Equal(t, "mb", reply.MemberID)
	assert.Equal(t, "c1", reply.ConversationID)
	assert.True(t, richtext.IsDocument(reply.Body))
	assert.Equal(t, []string{reply.ID}, h.sync.ids())

	req := h.gen.last()
	assert.Equal(t, "Can we meet at 5?", req.Query)
	assert.Equal(t, "You: I'll be out Friday\nThem: Can we meet at 5?", req.History)
	assert.Equal(t, "the offsite is in May", req.Context)
	assert.Equal(t, "Profile from 7 messages.", req.Profile)

	st, err := h.store.Get(ctx, "ub")
	require.NoError(t, err)
	assert.Equal(t, "Profile from 7 messages.", st.PersonalityProfile)

	res = h.send(t, "ma", "Hello?")
	h.waitJob(t, res.JobID)
	assert.Equal(t, int32(1), h.profiler.calls.Load(), "profile is generated once")
	assert.Len(t, h.chat.aiMessages(), 2)
}

func TestPipeline_CancelledWhenReceiverComesOnline(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, WithDelay(100*time.Millisecond))
	_, err := h.store.Activate(context.Background(), "ub")
	require.NoError(t, err)

	res := h.send(t, "ma", "you there?")
	require.Equal(t, core.ResultScheduled, res.Kind)
	h.presence.set("mb", true)

	job := h.waitJob(t, res.JobID)
	assert.Equal(t, scheduler.StatusDone, job.Status)
	assert.Empty(t, h.chat.aiMessages())
	assert.Empty(t, h.sync.ids())
}

func TestPipeline_HandleRejectsEmptyText(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Activate(ctx, "ub")
	require.NoError(t, err)

	in := core.HandleInput{UserID: "ub", MessageText: "  ", ConversationID: "c1", WorkspaceID: "w1", ReceiverMemberID: "mb"}
	res := h.pipeline.Handle(ctx, in)
	assert.Equal(t, core.ResultFailed, res.Kind)
	assert.Contains(t, res.Reason, "messageText is required")
	assert.Empty(t, h.chat.aiMessages())
}

func TestPipeline_CancelledWhenDeactivatedDuringGeneration(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Activate(ctx, "ub")
	require.NoError(t, err)
	h.gen.before = func() { _, _ = h.store.Deactivate(ctx, "ub") }

	in := core.HandleInput{UserID: "ub", MessageText: "hi", ConversationID: "c1", WorkspaceID: "w1", ReceiverMemberID: "mb"}
	res := h.pipeline.Execute(ctx, in)
	assert.Equal(t, core.Cancelled(core.ReasonNotActive), res)
	assert.Empty(t, h.chat.aiMessages())
}

func TestPipeline_ApologyIsDelivered(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Activate(ctx, "ub")
	require.NoError(t, err)
	h.gen.body = richtext.Apology("openai API error: status 500")

	in := core.HandleInput{UserID: "ub", MessageText: "hi", ConversationID: "c1", WorkspaceID: "w1", ReceiverMemberID: "mb"}
	res := h.pipeline.Execute(ctx, in)
	require.Equal(t, core.ResultDelivered, res.Kind)

	replies := h.chat.aiMessages()
	require.Len(t, replies, 1)
	assert.Contains(t, richtext.PlainText(replies[0].Body), "There was a technical error: openai API error: status 500")
}

func TestPipeline_FailuresAreTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Activate(ctx, "ub")
	require.NoError(t, err)
	h.chat.setFailRead(true)

	res := h.send(t, "ma", "hello")
	require.Equal(t, core.ResultScheduled, res.Kind)
	job := h.waitJob(t, res.JobID)
	assert.Equal(t, scheduler.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "load history")
	assert.Empty(t, h.chat.aiMessages())

	h.chat.setFailRead(false)
	h.gen.before = func() { panic("boom") }
	in := core.HandleInput{UserID: "ub", MessageText: "hi", ConversationID: "c1", WorkspaceID: "w1", ReceiverMemberID: "mb"}
	res = h.pipeline.Execute(ctx, in)
	assert.Equal(t, core.Failed("panic: boom"), res)
}

func TestPipeline_TestResponseIgnoresPresence(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	in := core.HandleInput{UserID: "ub", MessageText: "hi", ConversationID: "c1", WorkspaceID: "w1", ReceiverMemberID: "mb"}

	assert.Equal(t, core.Skipped(core.ReasonNotActive), h.pipeline.TestResponse(ctx, in))

	_, err := h.store.Activate(ctx, "ub")
	require.NoError(t, err)
	h.presence.set("mb", true)

	res := h.pipeline.TestResponse(ctx, in)
	assert.Equal(t, core.ResultDelivered, res.Kind)
	assert.Len(t, h.chat.aiMessages(), 1)
}

func TestPipeline_RateLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, WithRateLimit(rate.Every(time.Hour), 1), WithDelay(time.Hour))
	_, err := h.store.Activate(context.Background(), "ub")
	require.NoError(t, err)

	assert.Equal(t, core.ResultScheduled, h.send(t, "ma", "one").Kind)
	assert.Equal(t, core.Skipped(core.ReasonRateLimited), h.send(t, "ma", "two"))
}

func TestPipeline_UpdateProfile(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.pipeline.SetProfile(ctx, "ub", "  Old profile.  "))

	st, err := h.store.Get(ctx, "ub")
	require.NoError(t, err)
	assert.Equal(t, "Old profile.", st.PersonalityProfile)
	assert.False(t, st.IsActive)

	h.send(t, "mb", "first")
	h.send(t, "mb", "second")

	profile, err := h.pipeline.UpdateProfile(ctx, "ub")
	require.NoError(t, err)
	assert.Equal(t, "Profile from 2 messages.", profile)

	st, err = h.store.Get(ctx, "ub")
	require.NoError(t, err)
	assert.Equal(t, profile, st.PersonalityProfile)

	_, err = h.pipeline.UpdateProfile(ctx, " ")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSetupStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Activate(ctx, "ua")
	require.NoError(t, err)
	require.NoError(t, store.SetPersonalityProfile(ctx, "ub", "Brief."))

	st, err := SetupStatus(ctx, Capabilities{Completion: true}, store, "ua")
	require.NoError(t, err)
	assert.True(t, st.Environment.Completion)
	assert.False(t, st.Environment.Embedding)
	assert.Equal(t, 2, st.TotalStates)
	require.NotNil(t, st.User)
	assert.True(t, st.User.IsActive)
	assert.Contains(t, st.Operations.Avatar, "handle")

	st, err = SetupStatus(ctx, Capabilities{}, store, "nobody")
	require.NoError(t, err)
	assert.Nil(t, st.User)
}
