package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/richtext"
	"github.com/becomeliminal/nim-avatar/storage"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLiteStore(db)
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctx := context.Background()
	require.NoError(t, s.CreateMember(ctx, core.Member{ID: "ma", UserID: "ua", WorkspaceID: "w1"}))
	require.NoError(t, s.CreateMember(ctx, core.Member{ID: "mb", UserID: "ub", WorkspaceID: "w1"}))
	require.NoError(t, s.CreateConversation(ctx, core.Conversation{ID: "c1", WorkspaceID: "w1", MemberOneID: "ma", MemberTwoID: "mb"}))
	return s
}

func TestSQLiteStore_Directory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m, err := s.Member(ctx, "mb")
	require.NoError(t, err)
	assert.Equal(t, "ub", m.UserID)

	c, err := s.Conversation(ctx, "c1")
	require.NoError(t, err)
	other, ok := c.Other("ma")
	assert.True(t, ok)
	assert.Equal(t, "mb", other)

	_, err = s.Member(ctx, "zz")
	assert.True(t, IsNotFound(err))
	_, err = s.Conversation(ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RecentAndByUser(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, step := range []struct {
		member string
		text   string
		ai     bool
	}{
		{"ma", "one", false},
		{"mb", "two", false},
		{"ma", "three", false},
		{"mb", "four", true},
	} {
		_, err := s.Insert(ctx, core.NewMessage{
			ConversationID: "c1", WorkspaceID: "w1", MemberID: step.member,
			Body: richtext.Wrap(step.text), IsAIGenerated: step.ai,
		})
		require.NoError(t, err)
	}

	recent, err := s.Recent(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "two", richtext.PlainText(recent[0].Body))
	assert.Equal(t, "four", richtext.PlainText(recent[2].Body))
	assert.Equal(t, "ub", recent[0].UserID)
	assert.Equal(t, core.KindHuman, recent[0].Kind)

	mine, err := s.ByUser(ctx, "ub", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "two", richtext.PlainText(mine[0].Body))
}

func TestSQLiteStore_UpdateDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	msg, err := s.Insert(ctx, core.NewMessage{ConversationID: "c1", WorkspaceID: "w1", MemberID: "ma", Body: "hi"})
	require.NoError(t, err)
	assert.True(t, msg.UpdatedAt.IsZero())

	edited, err := s.UpdateBody(ctx, msg.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Body)
	assert.True(t, edited.UpdatedAt.After(edited.CreatedAt))

	require.NoError(t, s.Delete(ctx, msg.ID))
	assert.ErrorIs(t, s.Delete(ctx, msg.ID), ErrNotFound)
	_, err = s.UpdateBody(ctx, msg.ID, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnCreate(_ context.Context, msg *core.Message) { r.add("create:" + msg.ID) }

func (r *recorder) OnUpdate(_ context.Context, msg *core.Message, body string) {
	r.add("update:" + msg.ID + ":" + body)
}

func (r *recorder) OnDelete(_ context.Context, id string) { r.add("delete:" + id) }

func (r *recorder) OnMessage(_ context.Context, msg *core.Message) core.Result {
	r.add("respond:" + msg.ID)
	return core.Scheduled("job-1")
}

func TestService_Hooks(t *testing.T) {
	s := newStore(t)
	rec := &recorder{}
	svc := NewService(s, rec)
	svc.SetResponder(rec)
	ctx := context.Background()

	msg, res, err := svc.SendMessage(ctx, core.NewMessage{
		ConversationID: "c1", WorkspaceID: "w1", MemberID: "ma", Body: richtext.Wrap("lunch?"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.Scheduled("job-1"), res)

	_, err = svc.EditMessage(ctx, msg.ID, richtext.Wrap("dinner?"))
	require.NoError(t, err)
	require.NoError(t, svc.DeleteMessage(ctx, msg.ID))

	assert.Equal(t, []string{
		"create:" + msg.ID,
		"respond:" + msg.ID,
		"update:" + msg.ID + ":" + richtext.Wrap("dinner?"),
		"delete:" + msg.ID,
	}, rec.events)
}

func TestService_SendAIMessageNormalizes(t *testing.T) {
	s := newStore(t)
	rec := &recorder{}
	svc := NewService(s, rec)
	svc.SetResponder(rec)
	ctx := context.Background()

	msg, err := svc.SendAIMessage(ctx, core.NewMessage{ConversationID: "c1", WorkspaceID: "w1", MemberID: "mb", Body: "plain reply"})
	require.NoError(t, err)
	assert.Equal(t, richtext.Wrap("plain reply"), msg.Body)
	assert.Equal(t, core.KindAI, msg.Kind)
	assert.True(t, msg.IsAIGenerated)

	doc := `{"ops":[{"insert":"formatted\n"}]}`
	msg, err = svc.SendAIMessage(ctx, core.NewMessage{ConversationID: "c1", WorkspaceID: "w1", MemberID: "mb", Body: doc})
	require.NoError(t, err)
	assert.Equal(t, doc, msg.Body)

	assert.NotContains(t, rec.events, "respond:"+msg.ID, "AI messages never trigger the avatar")
}

func TestService_Validation(t *testing.T) {
	svc := NewService(newStore(t), &recorder{})
	ctx := context.Background()

	_, _, err := svc.SendMessage(ctx, core.NewMessage{WorkspaceID: "w1", MemberID: "ma", Body: " "})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, _, err = svc.SendMessage(ctx, core.NewMessage{WorkspaceID: "w1", MemberID: "ma", Body: "x"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, err = svc.EditMessage(ctx, "m1", "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
