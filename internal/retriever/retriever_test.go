package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

type stubVectors struct {
	hits      []memory.ScoredRecord
	searchErr error
	records   map[string]memory.Record
	fetched   []string
	fetchErr  map[string]error
}

func (s *stubVectors) Search(_ context.Context, _, _ string, k int) ([]memory.ScoredRecord, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if k < len(s.hits) {
		return s.hits[:k], nil
	}
	return s.hits, nil
}

func (s *stubVectors) GetByID(_ context.Context, _ string, id string) (memory.Record, bool, error) {
	s.fetched = append(s.fetched, id)
	if err := s.fetchErr[id]; err != nil {
		return memory.Record{}, false, err
	}
	r, ok := s.records[id]
	return r, ok, nil
}

type stubGraph struct {
	related []string
	err     error
	gotIDs  []string
	owner   string
	limit   int
}

func (g *stubGraph) GetRelatedMemoryIDs(_ context.Context, owner string, ids []string, limit int) ([]string, error) {
	g.owner, g.gotIDs, g.limit = owner, ids, limit
	return g.related, g.err
}

func hit(id, summary string, sim, importance float64) memory.ScoredRecord {
	return memory.ScoredRecord{
		Record:        memory.Record{ID: id, Summary: summary, Importance: importance},
		Similarity:    sim,
		HasSimilarity: true,
	}
}

func ids(items []memory.ScoredRecord) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestRetriever_Retrieve(t *testing.T) {
	vectors := &stubVectors{
		hits: []memory.ScoredRecord{
			hit("a", "likes jazz", 0.9, 0.5),  // 0.45
			hit("b", "plays piano", 0.5, 0.6), // 0.30
		},
		records: map[string]memory.Record{
			"c": {ID: "c", Summary: "went to a concert", Importance: 0.4}, // graph-only: 0.40
			"d": {ID: "d", Summary: "  ", Importance: 0.9},                // blank summary: 0.90
		},
	}
	graph := &stubGraph{related: []string{"b", "c", "d", "gone"}}

	r, err := New(vectors, graph, Options{GraphLimit: 7}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "alice", "music", 0)
	require.NoError(t, err)

	assert.Equal(t, "alice", graph.owner)
	assert.Equal(t, []string{"a", "b"}, graph.gotIDs)
	assert.Equal(t, 7, graph.limit)
	assert.Equal(t, []string{"c", "d", "gone"}, vectors.fetched, "hits are not fetched again")

	assert.Equal(t, []string{"d", "a", "c", "b"}, ids(res.Items))
	for i, it := range res.Items {
		assert.Equal(t, i, it.Rank)
	}
	assert.False(t, res.Items[0].HasSimilarity)
	assert.Equal(t, []string{"gone"}, res.NotFound)
	assert.Equal(t, "likes jazz\nwent to a concert\nplays piano", res.Context)
}

func TestRetriever_TiesBreakByID(t *testing.T) {
	vectors := &stubVectors{
		hits: []memory.ScoredRecord{
			hit("z", "z", 0.5, 0.4),
			hit("m", "m", 0.4, 0.5),
			hit("a", "a", 1.0, 0.2),
		},
	}
	r, err := New(vectors, &stubGraph{}, Options{}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "alice", "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, ids(res.Items))
}

func TestRetriever_GraphFailureDegrades(t *testing.T) {
	logger := logging.NewTestLogger()
	vectors := &stubVectors{hits: []memory.ScoredRecord{hit("a", "likes jazz", 0.9, 0.5)}}
	r, err := New(vectors, &stubGraph{err: errors.New("graph down")}, Options{}, logger.Logger)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "alice", "music", 0)
	require.NoError(t, err)
	assert.Equal(t, "likes jazz", res.Context)
	assert.Empty(t, res.NotFound)
	logger.AssertLogged(t, zapcore.WarnLevel, "graph expansion failed")
}

func TestRetriever_FetchErrorCountsAsNotFound(t *testing.T) {
	vectors := &stubVectors{
		hits:     []memory.ScoredRecord{hit("a", "likes jazz", 0.9, 0.5)},
		fetchErr: map[string]error{"b": errors.New("timeout")},
	}
	r, err := New(vectors, &stubGraph{related: []string{"b"}}, Options{}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "alice", "music", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.NotFound)
	assert.Len(t, res.Items, 1)
}

func TestRetriever_NoHits(t *testing.T) {
	graph := &stubGraph{related: []string{"x"}}
	r, err := New(&stubVectors{}, graph, Options{}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "alice", "music", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.Context)
	assert.Nil(t, graph.gotIDs, "graph is not queried without hits")
}

func TestRetriever_Search(t *testing.T) {
	r, err := New(&stubVectors{searchErr: errors.New("index offline")}, &stubGraph{}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", r.Search(context.Background(), "alice", "music", 3))

	_, err = r.Retrieve(context.Background(), "alice", "music", 3)
	assert.EqualError(t, err, "index offline")
}

func TestRetriever_DefaultTopK(t *testing.T) {
	hits := make([]memory.ScoredRecord, 8)
	for i := range hits {
		hits[i] = hit(string(rune('a'+i)), "s", 0.5, 0.5)
	}
	r, err := New(&stubVectors{hits: hits}, &stubGraph{}, Options{}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "alice", "q", 0)
	require.NoError(t, err)
	assert.Len(t, res.Items, DefaultTopK)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, &stubGraph{}, Options{}, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}
