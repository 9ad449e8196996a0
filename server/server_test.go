package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-avatar/avatar"
	"github.com/becomeliminal/nim-avatar/chat"
	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/memory"
	"github.com/becomeliminal/nim-avatar/presence"
	"github.com/becomeliminal/nim-avatar/richtext"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePipeline struct {
	mu      sync.Mutex
	handled []core.HandleInput
	profile string
}

func (f *fakePipeline) Handle(_ context.Context, in core.HandleInput) core.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, in)
	return core.Scheduled("job-1")
}

func (f *fakePipeline) TestResponse(context.Context, core.HandleInput) core.Result {
	return core.Delivered("m-test")
}

func (f *fakePipeline) UpdateProfile(context.Context, string) (string, error) {
	return "Regenerated.", nil
}

func (f *fakePipeline) SetProfile(_ context.Context, userID, profile string) error {
	if userID == "" {
		return core.ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = profile
	return nil
}

type fakeChat struct{}

func (fakeChat) SendMessage(_ context.Context, m core.NewMessage) (*core.Message, core.Result, error) {
	return &core.Message{ID: "m1", Body: m.Body, Kind: core.KindHuman}, core.Scheduled("job-2"), nil
}

func (fakeChat) SendAIMessage(_ context.Context, m core.NewMessage) (*core.Message, error) {
	return &core.Message{ID: "m2", Body: richtext.Normalize(m.Body), Kind: core.KindAI, IsAIGenerated: true}, nil
}

func (fakeChat) EditMessage(_ context.Context, id, body string) (*core.Message, error) {
	if id == "missing" {
		return nil, chat.ErrNotFound
	}
	return &core.Message{ID: id, Body: body}, nil
}

func (fakeChat) DeleteMessage(context.Context, string) error { return nil }

type fakeSearch struct{}

func (fakeSearch) Search(_ context.Context, query, workspaceID string, k int) ([]memory.Match, error) {
	return []memory.Match{{ID: "m1", Score: 0.9, Metadata: memory.Metadata{memory.KeyText: query + "@" + workspaceID}}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakePipeline, *presence.Tracker) {
	t.Helper()
	pipe := &fakePipeline{}
	tracker := presence.NewTracker()
	s := New(Deps{
		Store:        avatar.NewMemoryStore(),
		Pipeline:     pipe,
		Chat:         fakeChat{},
		Search:       fakeSearch{},
		Presence:     tracker,
		Capabilities: avatar.Capabilities{Completion: true},
	})
	return s, pipe, tracker
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestAvatarLifecycle(t *testing.T) {
	s, _, _ := newTestServer(t)

	var st stateResponse
	w := do(t, s, http.MethodGet, "/avatar/u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &st)
	assert.False(t, st.IsActive)
	assert.Nil(t, st.State)

	w = do(t, s, http.MethodPost, "/avatar/u1/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	var act activationResponse
	decode(t, w, &act)
	assert.True(t, act.Success)
	assert.True(t, act.IsActive)
	require.NotNil(t, act.State)
	assert.Equal(t, "u1", act.State.UserID)

	w = do(t, s, http.MethodGet, "/avatar/u1", "")
	decode(t, w, &st)
	assert.True(t, st.IsActive)

	w = do(t, s, http.MethodPost, "/avatar/u1/deactivate", "")
	require.Equal(t, http.StatusOK, w.Code)
	act = activationResponse{}
	decode(t, w, &act)
	assert.True(t, act.Success)
	assert.False(t, act.IsActive)
	w = do(t, s, http.MethodGet, "/avatar/u1", "")
	decode(t, w, &st)
	assert.False(t, st.IsActive)
	require.NotNil(t, st.State)

	var status avatar.Status
	w = do(t, s, http.MethodGet, "/avatar/setup?userId=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &status)
	assert.True(t, status.Environment.Completion)
	assert.Equal(t, 1, status.TotalStates)
	require.NotNil(t, status.User)
}

func TestProfileEndpoints(t *testing.T) {
	s, pipe, _ := newTestServer(t)

	w := do(t, s, http.MethodPut, "/avatar/u1/profile", `{"personalityProfile":"Dry wit."}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Dry wit.", pipe.profile)

	w = do(t, s, http.MethodPut, "/avatar/u1/profile", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/avatar/u1/profile/regenerate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Regenerated.")
}

func TestHandleEndpoint(t *testing.T) {
	s, pipe, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/avatar/handle", `{"userId":"u1","messageText":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, pipe.handled)

	body := `{"userId":"u1","messageText":"hi","conversationId":"c1","workspaceId":"w1","receiverMemberId":"m1"}`
	w = do(t, s, http.MethodPost, "/avatar/handle", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"kind":"scheduled","jobId":"job-1"}`, w.Body.String())
	var res core.Result
	decode(t, w, &res)
	assert.Equal(t, core.Scheduled("job-1"), res)
	require.Len(t, pipe.handled, 1)
	assert.Equal(t, "m1", pipe.handled[0].ReceiverMemberID)

	w = do(t, s, http.MethodPost, "/avatar/test", body)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, core.ResultDelivered, res.Kind)
}

func TestMessageEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/messages", `{"conversationId":"c1","workspaceId":"w1","memberId":"ma","body":"hi"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp messageResponse
	decode(t, w, &resp)
	assert.Equal(t, "m1", resp.Message.ID)
	require.NotNil(t, resp.Avatar)
	assert.Equal(t, core.ResultScheduled, resp.Avatar.Kind)

	w = do(t, s, http.MethodPost, "/messages", `{"conversationId":"c1","workspaceId":"w1","memberId":"mb","body":"auto","ai":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	resp = messageResponse{}
	decode(t, w, &resp)
	assert.True(t, resp.Message.IsAIGenerated)
	assert.Nil(t, resp.Avatar)
	assert.True(t, richtext.IsDocument(resp.Message.Body))

	w = do(t, s, http.MethodPost, "/messages", `{"workspaceId":"w1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPatch, "/messages/m1", `{"body":"edited"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodPatch, "/messages/missing", `{"body":"edited"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodDelete, "/messages/m1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSearchSampleAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/workspaces/w1/search?q=deploy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deploy@w1")

	w = do(t, s, http.MethodGet, "/workspaces/w1/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/richtext/sample", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sample struct {
		Body  string `json:"body"`
		Valid bool   `json:"valid"`
	}
	decode(t, w, &sample)
	assert.True(t, sample.Valid)
	assert.Equal(t, richtext.SampleText, richtext.PlainText(sample.Body))

	w = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPresenceFeed(t *testing.T) {
	s, _, tracker := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var ack presenceAck
	require.NoError(t, conn.WriteJSON(presenceFrame{MemberID: "m1"}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.True(t, ack.Online)

	isOnline := func() bool {
		ok, _ := tracker.IsOnline(context.Background(), "m1")
		return ok
	}
	assert.True(t, isOnline())

	off := false
	require.NoError(t, conn.WriteJSON(presenceFrame{MemberID: "m1", Online: &off}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.False(t, ack.Online)
	assert.False(t, isOnline())

	on := true
	require.NoError(t, conn.WriteJSON(presenceFrame{MemberID: "m1", Online: &on}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.True(t, isOnline())

	require.NoError(t, conn.WriteJSON(presenceFrame{}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.NotEmpty(t, ack.Error)

	conn.Close()
	assert.Eventually(t, func() bool { return !isOnline() }, 2*time.Second, 10*time.Millisecond)
}
