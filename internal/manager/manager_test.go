package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/events"
	"github.com/fyrsmithlabs/memoryd/internal/export"
	"github.com/fyrsmithlabs/memoryd/internal/extraction"
	"github.com/fyrsmithlabs/memoryd/internal/graphstore"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type failingGraph struct{ err error }

func (g failingGraph) StoreMemoryGraph(context.Context, string, []memory.Record) error { return g.err }
func (g failingGraph) GetRelatedMemoryIDs(context.Context, string, []string, int) ([]string, error) {
	return nil, g.err
}
func (g failingGraph) DeleteAll(context.Context, string) error { return g.err }
func (g failingGraph) Close() error                            { return nil }

// brokenBuffer fails every read.
type brokenBuffer struct{ *store.MemoryStore }

func (brokenBuffer) Recent(context.Context, string, int) ([]memory.Message, error) {
	return nil, errors.New("supabase unreachable")
}

type fixture struct {
	mgr      *Manager
	buffer   *store.MemoryStore
	events   *recordingPublisher
	logger   *logging.TestLogger
	exported string
}

type setup struct {
	graph  graphstore.Store
	buffer store.Buffer
	tagged extraction.Tagged
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()

	// "music taste" embeds next to "likes jazz", as a real model would.
	embedder := embeddings.NewFake(3).
		Set("likes jazz", []float32{1, 0, 0}).
		Set("music taste", []float32{0.95, 0.05, 0}).
		Set("works at a bakery", []float32{0, 1, 0})

	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, embedder, nil)
	require.NoError(t, err)
	vectors, err := vectorstore.New(index, embedder, vectorstore.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	if s.graph == nil {
		g, err := graphstore.NewSQLiteStore("", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		s.graph = g
	}

	f := &fixture{
		buffer: store.NewMemoryStore(),
		events: &recordingPublisher{},
		logger: logging.NewTestLogger(),
	}
	if s.buffer == nil {
		s.buffer = f.buffer
	}

	tagged := s.tagged
	ex := extraction.Func(func(context.Context, string, []memory.Message, []string) (extraction.Tagged, error) {
		return tagged, nil
	})
	svc, err := ltm.NewService(ex, f.buffer, vectors, s.graph, nil)
	require.NoError(t, err)

	f.exported = t.TempDir()
	f.mgr, err = New(Deps{Buffer: s.buffer, LTM: svc, Events: f.events}, Options{ExportDir: f.exported}, f.logger.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.mgr.Close() })
	return f
}

func turns(n int) []memory.Message {
	out := make([]memory.Message, n)
	for i := range out {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		out[i] = memory.Message{Role: role, Content: fmt.Sprintf("turn %d", i)}
	}
	return out
}

func TestManager_ConsolidateThenRecall(t *testing.T) {
	f := newFixture(t, setup{tagged: extraction.Tagged{
		"pref": {{Summary: "likes jazz", Importance: memory.Score(0.7), Entities: []string{"jazz"}}},
	}})
	ctx := context.Background()

	for _, m := range turns(30) {
		require.NoError(t, f.mgr.Append(ctx, "alice", m))
	}
	f.mgr.Wait()

	res, err := f.mgr.Context(ctx, "alice", "music taste", 5)
	require.NoError(t, err)
	assert.Contains(t, res.Memories, "likes jazz")
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "pref", res.Items[0].Tag)
	assert.Len(t, res.Messages, 15)
	assert.Equal(t, "turn 15", res.Messages[0].Content)

	tags, err := f.mgr.Tags(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"pref"}, tags)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindConsolidated, evs[0].Kind)
	assert.Equal(t, 15, evs[0].Messages)
	assert.Len(t, evs[0].Added, 1)
	assert.Empty(t, evs[0].Error)
}

func TestManager_IngestGetExport(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	res, err := f.mgr.Ingest(ctx, "alice", map[string][]memory.Candidate{
		"work": {{Summary: "works at a bakery"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Added, 1)

	rec, ok, err := f.mgr.Get(ctx, "alice", res.Added[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "works at a bakery", rec.Summary)

	_, ok, err = f.mgr.Get(ctx, "alice", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	path, err := f.mgr.Export(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.exported, "alice_memories.xlsx"), path)

	_, err = f.mgr.Export(ctx, "bob", "")
	assert.ErrorIs(t, err, export.ErrNothingToExport)

	hits, err := f.mgr.Search(ctx, "alice", "works at a bakery", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.Added[0].ID, hits[0].ID)

	require.Len(t, f.events.Events(), 1)
}

func TestManager_DeleteUser(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	require.NoError(t, f.mgr.Append(ctx, "alice", turns(3)...))
	_, err := f.mgr.Ingest(ctx, "alice", map[string][]memory.Candidate{"pref": {{Summary: "likes jazz"}}})
	require.NoError(t, err)

	report, err := f.mgr.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ltm.StatusComplete, report.Status())
	assert.Len(t, report.Targets, 4)

	msgs, err := f.mgr.Recent(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	hits, err := f.mgr.Search(ctx, "alice", "likes jazz", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	evs := f.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindDeleted, evs[1].Kind)
	assert.Equal(t, "complete", evs[1].Status)
}

func TestManager_DeleteUserPartial(t *testing.T) {
	f := newFixture(t, setup{graph: failingGraph{err: errors.New("neo4j unreachable")}})
	ctx := context.Background()

	report, err := f.mgr.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ltm.StatusPartial, report.Status())
	assert.Equal(t, []string{ltm.TargetGraph}, report.Failed())

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "partial", evs[0].Status)
	assert.Equal(t, []string{"graph"}, evs[0].Failed)
	assert.Contains(t, evs[0].Error, "neo4j unreachable")
}

func TestManager_ReadPathsDegrade(t *testing.T) {
	f := newFixture(t, setup{buffer: brokenBuffer{store.NewMemoryStore()}})
	ctx := context.Background()

	msgs, err := f.mgr.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "failed to read short-term buffer")

	res, err := f.mgr.Context(ctx, "alice", "", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Memories)
	assert.Empty(t, res.Messages)
}

func TestManager_InvalidOwner(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.mgr.Recent(ctx, "", 0)
	assert.ErrorIs(t, err, memory.ErrEmptyOwner)
	_, err = f.mgr.Search(ctx, "a b", "q", 0)
	assert.ErrorIs(t, err, memory.ErrInvalidOwner)
	_, err = f.mgr.DeleteUser(ctx, "")
	assert.ErrorIs(t, err, memory.ErrEmptyOwner)
	assert.ErrorIs(t, f.mgr.Append(ctx, "", turns(1)...), memory.ErrEmptyOwner)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Options{}, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}
