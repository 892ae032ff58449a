package extraction

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

func anthropicReply(text string) string {
	body, _ := json.Marshal(map[string]any{
		"id":            "msg_1",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-3-5-haiku-latest",
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 1, "output_tokens": 1},
	})
	return string(body)
}

func conversation() []memory.Message {
	return []memory.Message{
		{Role: memory.RoleUser, Content: "I really like jazz, especially Coltrane."},
		{Role: memory.RoleAssistant, Content: "Great taste!"},
		{Role: memory.RoleUser, Content: "   "},
	}
}

func testConfig(baseURL string) Config {
	return Config{
		Provider:        ProviderAnthropic,
		Model:           "claude-3-5-haiku-latest",
		BaseURL:         baseURL,
		APIKey:          "test-key",
		Timeout:         5 * time.Second,
		RequestsPerMin:  6000,
		Burst:           10,
		BreakerFailures: 2,
	}
}

func TestAnthropicExtractor_Extract(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, anthropicReply(`Here you go: {"music": [{"summary": "User enjoys jazz", "importance": 0.7, "confidence": 0.9, "entities": ["jazz", "Coltrane"]}]}`))
	}))
	defer srv.Close()

	ex, err := NewAnthropicExtractor(testConfig(srv.URL), nil)
	require.NoError(t, err)

	got, err := ex.Extract(context.Background(), "alice", conversation(), []string{"music", "work"})
	require.NoError(t, err)
	require.Len(t, got["music"], 1)
	assert.Equal(t, "User enjoys jazz", got["music"][0].Summary)
	assert.Equal(t, "music", got["music"][0].Tag)

	assert.Equal(t, "claude-3-5-haiku-latest", captured["model"])
	assert.EqualValues(t, defaultMaxTokens, captured["max_tokens"])

	system, _ := json.Marshal(captured["system"])
	assert.Contains(t, string(system), "music, work")
	assert.Contains(t, string(system), "alice")

	msgs, _ := json.Marshal(captured["messages"])
	assert.Contains(t, string(msgs), "user: I really like jazz")
	assert.Contains(t, string(msgs), "assistant: Great taste!")
}

func TestAnthropicExtractor_MalformedReplyIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, anthropicReply("I could not find anything worth remembering."))
	}))
	defer srv.Close()

	ex, err := NewAnthropicExtractor(testConfig(srv.URL), nil)
	require.NoError(t, err)

	got, err := ex.Extract(context.Background(), "alice", conversation(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAnthropicExtractor_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	}))
	defer srv.Close()

	logger := logging.NewTestLogger()
	ex, err := NewAnthropicExtractor(testConfig(srv.URL), logger.Logger)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := ex.Extract(context.Background(), "alice", conversation(), nil)
		assert.ErrorIs(t, err, ErrExtractionFailed)
		assert.Empty(t, got)
	}

	assert.EqualValues(t, 2, hits.Load(), "open breaker short-circuits the third call")
	assert.Equal(t, gobreaker.StateOpen, ex.guard.state())
	logger.AssertLogged(t, zapcore.WarnLevel, "extraction circuit breaker state changed")
}

func TestAnthropicExtractor_SkipsEmptyConversation(t *testing.T) {
	ex, err := NewAnthropicExtractor(testConfig("http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	got, err := ex.Extract(context.Background(), "alice", []memory.Message{{Role: memory.RoleUser, Content: " "}}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewAnthropicExtractor_RequiresKey(t *testing.T) {
	_, err := NewAnthropicExtractor(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
