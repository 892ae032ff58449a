package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/manager"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

type stubMemory struct {
	appended []memory.Message
	owner    string
	topK     int
	items    []memory.ScoredRecord
	report   *ltm.DeleteReport
	deleted  bool
}

func (s *stubMemory) Append(_ context.Context, owner string, msgs ...memory.Message) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	s.owner = owner
	s.appended = append(s.appended, msgs...)
	return nil
}

func (s *stubMemory) Context(_ context.Context, owner, _ string, topK int) (manager.ContextResult, error) {
	s.owner, s.topK = owner, topK
	return manager.ContextResult{Memories: "likes jazz\nplays piano", Items: s.items}, nil
}

func (s *stubMemory) Search(_ context.Context, owner, _ string, topK int) ([]memory.ScoredRecord, error) {
	s.owner, s.topK = owner, topK
	return s.items, nil
}

func (s *stubMemory) Tags(context.Context, string) ([]string, error) {
	return []string{"music"}, nil
}

func (s *stubMemory) DeleteUser(_ context.Context, owner string) (*ltm.DeleteReport, error) {
	s.deleted = true
	if s.report != nil {
		return s.report, nil
	}
	r := ltm.NewDeleteReport(owner)
	r.Record(ltm.TargetVectors, nil)
	return r, nil
}

func connect(t *testing.T, mem Memory) *mcp.ClientSession {
	t.Helper()
	return connectWith(t, &Config{Name: "memoryd-test", Version: "test", Logger: zap.NewNop()}, mem)
}

func connectWith(t *testing.T, cfg *Config, mem Memory) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server, err := NewServer(cfg, mem)
	require.NoError(t, err)

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func text(res *mcp.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)

	s, err := NewServer(nil, &stubMemory{})
	require.NoError(t, err)
	assert.NotNil(t, s.mcp)
}

func TestTools_List(t *testing.T) {
	cs := connect(t, &stubMemory{})

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"memory_remember", "memory_recall", "memory_search", "memory_tags", "memory_forget",
	}, names)
}

func TestTools_Remember(t *testing.T) {
	mem := &stubMemory{}
	cs := connect(t, mem)

	res := call(t, cs, "memory_remember", map[string]any{
		"user_id": "alice",
		"messages": []map[string]any{
			{"role": "User", "content": "I like jazz"},
			{"role": "assistant", "content": "Noted"},
		},
	})
	require.False(t, res.IsError, text(res))
	assert.Equal(t, 2, structured[rememberOutput](t, res).Accepted)
	require.Len(t, mem.appended, 2)
	assert.Equal(t, memory.RoleUser, mem.appended[0].Role)

	res = call(t, cs, "memory_remember", map[string]any{
		"user_id":  "alice",
		"messages": []map[string]any{{"role": "system", "content": "x"}},
	})
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "role must be")
}

func TestTools_RecordMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	cs := connectWith(t, &Config{Name: "memoryd-test", Logger: zap.NewNop(), Meter: mp.Meter(instrumentationName)}, &stubMemory{})

	res := call(t, cs, "memory_remember", map[string]any{
		"user_id":  "alice",
		"messages": []map[string]any{{"role": "user", "content": "I like jazz"}},
	})
	require.False(t, res.IsError, text(res))
	res = call(t, cs, "memory_recall", map[string]any{"user_id": "alice", "query": " "})
	require.True(t, res.IsError)

	got := collectMetrics(t, reader)
	assert.Equal(t, map[string]int64{"": 1}, sumBy(t, got["memoryd.mcp.messages_remembered_total"], "tool"))
	calls := sumBy(t, got["memoryd.mcp.tool.calls_total"], "outcome")
	assert.Equal(t, int64(1), calls["ok"])
	assert.Equal(t, int64(1), calls["invalid_input"])
}

func TestTools_RecallAndSearch(t *testing.T) {
	mem := &stubMemory{items: []memory.ScoredRecord{
		{Record: memory.Record{ID: "a", Summary: "likes jazz", Tag: "music"}, Similarity: 0.9, HasSimilarity: true},
		{Record: memory.Record{ID: "b", Summary: "plays piano", Tag: "music"}, Rank: 1},
	}}
	cs := connect(t, mem)

	res := call(t, cs, "memory_recall", map[string]any{"user_id": "alice", "query": "music", "top_k": 3})
	require.False(t, res.IsError, text(res))
	assert.Equal(t, "likes jazz\nplays piano", text(res))
	out := structured[recallOutput](t, res)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, 3, mem.topK)

	res = call(t, cs, "memory_search", map[string]any{"user_id": "alice", "query": "music"})
	require.False(t, res.IsError, text(res))
	found := structured[searchOutput](t, res)
	require.Len(t, found.Results, 2)
	require.NotNil(t, found.Results[0].Similarity)
	assert.InDelta(t, 0.9, *found.Results[0].Similarity, 1e-9)
	assert.Nil(t, found.Results[1].Similarity, "graph-only results carry no similarity")

	res = call(t, cs, "memory_recall", map[string]any{"user_id": "alice", "query": "  "})
	assert.True(t, res.IsError)
}

func TestTools_Tags(t *testing.T) {
	cs := connect(t, &stubMemory{})
	res := call(t, cs, "memory_tags", map[string]any{"user_id": "alice"})
	require.False(t, res.IsError, text(res))
	assert.Equal(t, []string{"music"}, structured[tagsOutput](t, res).Tags)
}

func TestTools_Forget(t *testing.T) {
	mem := &stubMemory{}
	cs := connect(t, mem)

	res := call(t, cs, "memory_forget", map[string]any{"user_id": "alice", "confirm": false})
	assert.True(t, res.IsError)
	assert.False(t, mem.deleted)

	res = call(t, cs, "memory_forget", map[string]any{"user_id": "alice", "confirm": true})
	require.False(t, res.IsError, text(res))
	assert.Equal(t, "complete", structured[forgetOutput](t, res).Status)

	partial := ltm.NewDeleteReport("alice")
	partial.Record(ltm.TargetVectors, nil)
	partial.Record(ltm.TargetGraph, errors.New("neo4j unreachable"))
	mem.report = partial
	res = call(t, cs, "memory_forget", map[string]any{"user_id": "alice", "confirm": true})
	require.False(t, res.IsError, text(res))
	out := structured[forgetOutput](t, res)
	assert.Equal(t, "partial", out.Status)
	assert.Equal(t, map[string]string{"graph": "neo4j unreachable"}, out.Failed)
}
