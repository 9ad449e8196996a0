package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-avatar/memory"
	"github.com/becomeliminal/nim-avatar/memory/embedder/mock"
)

func seed(t *testing.T, idx memory.Index, emb memory.Embedder, docs ...memory.MessageDoc) {
	t.Helper()
	for _, d := range docs {
		vec, err := emb.Embed(context.Background(), d.Text)
		require.NoError(t, err)
		require.NoError(t, idx.Upsert(context.Background(), "messages", d.Record(vec)))
	}
}

func TestRetriever_JoinsMatchesFromWorkspace(t *testing.T) {
	idx := newIndex(t)
	emb := mock.New()
	seed(t, idx, emb,
		memory.MessageDoc{MessageID: "m1", Text: "the deploy is on friday", WorkspaceID: "w1"},
		memory.MessageDoc{MessageID: "m2", Text: "bring snacks", WorkspaceID: "w1"},
		memory.MessageDoc{MessageID: "m3", Text: "secret plans", WorkspaceID: "w2"},
	)

	r := memory.NewRetriever(idx, emb, nil)
	out := r.Retrieve(context.Background(), "the deploy is on friday", "w1", 5)

	assert.Contains(t, out, "the deploy is on friday")
	assert.Contains(t, out, "bring snacks")
	assert.Contains(t, out, "\n\n")
	assert.NotContains(t, out, "secret plans")

	top := r.Retrieve(context.Background(), "the deploy is on friday", "w1", 1)
	assert.Equal(t, "the deploy is on friday", top)
}

func TestRetriever_EmptyCases(t *testing.T) {
	r := memory.NewRetriever(newIndex(t), mock.New(), nil)

	assert.Equal(t, "", r.Retrieve(context.Background(), "anything", "w1", 5))
	assert.Equal(t, "", r.Retrieve(context.Background(), "   ", "w1", 5))
}

type brokenIndex struct{ memory.Index }

func (brokenIndex) Query(context.Context, string, []float32, int, memory.Filter) ([]memory.Match, error) {
	return nil, errors.New("index unavailable")
}

type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("rate limited")
}

func (brokenEmbedder) Dimensions() int { return 3 }

func TestRetriever_FailuresDegradeToEmpty(t *testing.T) {
	r := memory.NewRetriever(brokenIndex{}, mock.New(), nil)
	assert.Equal(t, "", r.Retrieve(context.Background(), "hello", "w1", 5))
	_, err := r.Search(context.Background(), "hello", "w1", 5)
	assert.Error(t, err)

	r = memory.NewRetriever(newIndex(t), brokenEmbedder{}, nil)
	assert.Equal(t, "", r.Retrieve(context.Background(), "hello", "w1", 5))
}

func TestRetriever_MinScore(t *testing.T) {
	idx := newIndex(t)
	emb := mock.New()
	seed(t, idx, emb,
		memory.MessageDoc{MessageID: "m1", Text: "exact phrase", WorkspaceID: "w1"},
		memory.MessageDoc{MessageID: "m2", Text: "something unrelated entirely", WorkspaceID: "w1"},
	)

	r := memory.NewRetriever(idx, emb, &memory.Config{MinScore: 0.99})
	matches, err := r.Search(context.Background(), "exact phrase", "w1", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "m1", matches[0].ID)
}
