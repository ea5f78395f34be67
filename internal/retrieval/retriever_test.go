package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// keywordEncoder maps each vocabulary word to one axis. The last axis is a
// small constant so no vector is zero.
type keywordEncoder struct {
	vocab []string
	err   error
}

func newKeywordEncoder() *keywordEncoder {
	return &keywordEncoder{vocab: []string{"hello", "goodbye", "database", "main"}}
}

func (e *keywordEncoder) embed(text string) []float32 {
	vec := make([]float32, len(e.vocab)+1)
	lower := strings.ToLower(text)
	for i, w := range e.vocab {
		vec[i] = float32(strings.Count(lower, w))
	}
	vec[len(e.vocab)] = 0.1
	return vec
}

func (e *keywordEncoder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.embed(text), nil
}

func (e *keywordEncoder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func newRetriever(t *testing.T, enc Encoder, opts Options) *Retriever {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	r, err := New(enc, opts)
	require.NoError(t, err)
	return r
}

func TestRetrieve_RanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	r := newRetriever(t, newKeywordEncoder(), Options{TopK: 2})

	require.NoError(t, r.Index(ctx, []Chunk{
		{ID: "db.py#L1-10", Source: "db.py", Content: "database pool and database cursor"},
		{ID: "greet.py#L1-5", Source: "greet.py", Content: "def goodbye(): print('Goodbye World')\n"},
		{ID: "hello.py#L1-5", Source: "hello.py", Content: "def hello(): print('hello')\n"},
	}))
	assert.Equal(t, 3, r.Count())

	got, err := r.Retrieve(ctx, evolution.ModificationStep{
		File:   "hello.py",
		Action: evolution.ActionModify,
		What:   "add a goodbye function",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Hits, 2)

	ids := []string{got.Hits[0].ID, got.Hits[1].ID}
	assert.ElementsMatch(t, []string{"greet.py#L1-5", "hello.py#L1-5"}, ids)
	assert.GreaterOrEqual(t, got.Hits[0].Similarity, got.Hits[1].Similarity)
	assert.Contains(t, got.Text(), "[greet.py] def goodbye()")
}

func TestRetrieve_TieBreakByID(t *testing.T) {
	ctx := context.Background()
	r := newRetriever(t, newKeywordEncoder(), Options{TopK: 1})

	require.NoError(t, r.Index(ctx, []Chunk{
		{ID: "b.py#L1-1", Source: "b.py", Content: "hello"},
		{ID: "a.py#L1-1", Source: "a.py", Content: "hello"},
		{ID: "c.py#L1-1", Source: "c.py", Content: "hello"},
	}))

	for i := 0; i < 5; i++ {
		hits, err := r.Query(ctx, "hello")
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "a.py#L1-1", hits[0].ID)
	}
}

func TestRetrieve_NoContext(t *testing.T) {
	ctx := context.Background()
	step := evolution.ModificationStep{File: "x.py", Action: evolution.ActionModify, What: "database"}

	t.Run("empty corpus", func(t *testing.T) {
		r := newRetriever(t, newKeywordEncoder(), Options{})
		got, err := r.Retrieve(ctx, step)
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("below threshold", func(t *testing.T) {
		r := newRetriever(t, newKeywordEncoder(), Options{MinSimilarity: 0.99})
		require.NoError(t, r.Index(ctx, []Chunk{{ID: "h#L1-1", Source: "h", Content: "hello"}}))
		got, err := r.Retrieve(ctx, step)
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("encoder failure", func(t *testing.T) {
		enc := newKeywordEncoder()
		r := newRetriever(t, enc, Options{})
		require.NoError(t, r.Index(ctx, []Chunk{{ID: "h#L1-1", Source: "h", Content: "hello"}}))
		enc.err = errors.New("embedding service down")

		got, err := r.Retrieve(ctx, step)
		assert.Error(t, err)
		assert.Nil(t, got)
	})
}

func TestIndex_Errors(t *testing.T) {
	enc := newKeywordEncoder()
	enc.err = errors.New("boom")
	r := newRetriever(t, enc, Options{})

	assert.NoError(t, r.Index(context.Background(), nil))
	assert.Error(t, r.Index(context.Background(), []Chunk{{ID: "a", Content: "a"}}))

	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestIndexSnapshot(t *testing.T) {
	r := newRetriever(t, newKeywordEncoder(), Options{ChunkLines: 2})
	snap := project.New("/proj", map[string]string{
		"main.py":  "def hello():\n    pass\n\nif __name__ == '__main__':\n    hello()\n",
		"empty.py": "",
	})

	n, err := r.IndexSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, r.Count())
}

func TestChunkFile(t *testing.T) {
	content := "a\nb\nc\nd\ne"
	chunks := ChunkFile("f.txt", content, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, "f.txt#L1-2", chunks[0].ID)
	assert.Equal(t, "a\nb\n", chunks[0].Content)
	assert.Equal(t, "f.txt#L5-5", chunks[2].ID)
	assert.Equal(t, "e", chunks[2].Content)

	assert.Nil(t, ChunkFile("blank", "\n\n", 2))
}

func TestQueryText(t *testing.T) {
	step := evolution.ModificationStep{File: "a.py", What: "add goodbye", How: " "}
	assert.Equal(t, "a.py\nadd goodbye", QueryText(step))

	_, err := newRetriever(t, newKeywordEncoder(), Options{}).Query(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestContextText_Nil(t *testing.T) {
	var c *Context
	assert.Equal(t, "", c.Text())
}
