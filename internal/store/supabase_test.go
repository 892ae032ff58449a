package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Prefer string
	Body   string
}

// fakePostgREST answers every request with body and records what it saw.
type fakePostgREST struct {
	mu       sync.Mutex
	requests []recordedRequest
	body     string
	status   int
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	query := map[string]string{}
	for k, v := range r.URL.Query() {
		query[k] = v[0]
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  query,
		Prefer: r.Header.Get("Prefer"),
		Body:   string(body),
	})
	status, resp := f.status, f.body
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp)
}

func (f *fakePostgREST) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakePostgREST) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestSupabase(t *testing.T, fake *fakePostgREST) *SupabaseStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	s, err := NewSupabaseStore(SupabaseConfig{URL: srv.URL, Key: "service-key"}, nil)
	require.NoError(t, err)
	return s
}

func TestSupabaseStore_Recent(t *testing.T) {
	fake := &fakePostgREST{body: `[
		{"message_data": {"role": "assistant", "content": "second"}, "timestamp": "2025-01-01T10:00:01.5+00:00"},
		{"message_data": {"role": "user", "content": "first"}, "timestamp": "2025-01-01T10:00:00"}
	]`}
	s := newTestSupabase(t, fake)

	msgs, err := s.Recent(context.Background(), "alice", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, memory.RoleUser, msgs[0].Role)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, 2025, msgs[0].Timestamp.Year())
	assert.Equal(t, 500_000_000, msgs[1].Timestamp.Nanosecond())

	req := fake.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/rest/v1/conversation_history", req.Path)
	assert.Equal(t, "eq.alice", req.Query["user_id"])
	assert.Equal(t, "2", req.Query["limit"])
	assert.Equal(t, "timestamp.desc.nullslast,id.desc.nullslast", req.Query["order"])
}

func TestSupabaseStore_AppendAndClear(t *testing.T) {
	fake := &fakePostgREST{status: http.StatusCreated}
	s := newTestSupabase(t, fake)

	require.NoError(t, s.Append(context.Background(), "alice", []memory.Message{{Role: memory.RoleUser, Content: "hi"}}))
	req := fake.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Contains(t, req.Prefer, "return=minimal")

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["user_id"])
	assert.Equal(t, map[string]any{"role": "user", "content": "hi"}, rows[0]["message_data"])
	assert.NotEmpty(t, rows[0]["timestamp"])

	fake.respond(http.StatusNoContent, "")
	require.NoError(t, s.Clear(context.Background(), "alice"))
	req = fake.last(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "eq.alice", req.Query["user_id"])
}

func TestSupabaseStore_Tags(t *testing.T) {
	fake := &fakePostgREST{status: http.StatusCreated}
	s := newTestSupabase(t, fake)

	require.NoError(t, s.SaveTags(context.Background(), "alice", []string{"work", "", "work", "music"}))
	req := fake.last(t)
	assert.Equal(t, "/rest/v1/user_tags", req.Path)
	assert.Equal(t, "user_id,tag", req.Query["on_conflict"])
	assert.Contains(t, req.Prefer, "resolution=merge-duplicates")
	assert.JSONEq(t, `[{"user_id":"alice","tag":"work"},{"user_id":"alice","tag":"music"}]`, req.Body)

	fake.respond(http.StatusOK, `[{"tag":"work"},{"tag":"music"},{"tag":"music"}]`)
	tags, err := s.Tags(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"music", "work"}, tags)

	fake.respond(http.StatusOK, `[{"tag":"work"}]`)
	ok, err := s.HasTag(context.Background(), "alice", "work")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eq.work", fake.last(t).Query["tag"])

	fake.respond(http.StatusOK, `[]`)
	ok, err = s.HasTag(context.Background(), "alice", "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSupabaseStore_ServerError(t *testing.T) {
	fake := &fakePostgREST{status: http.StatusInternalServerError, body: `{"code":"XX000","message":"boom"}`}
	s := newTestSupabase(t, fake)

	_, err := s.Recent(context.Background(), "alice", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.SaveTags(context.Background(), "alice", []string{"x"}), ErrUnavailable)
}

func TestSupabaseConfig_Validate(t *testing.T) {
	_, err := NewSupabaseStore(SupabaseConfig{URL: "http://localhost"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, 2025, parseTimestamp("2025-06-01T00:00:00Z").Year())
	assert.Equal(t, 2025, parseTimestamp("2025-06-01 00:00:00+00").Year())
	assert.True(t, parseTimestamp("garbage").IsZero())
}
