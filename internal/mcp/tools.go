package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

var errInvalidInput = errors.New("invalid input")

// ===== INPUT / OUTPUT TYPES =====

type messageInput struct {
	Role    string `json:"role" jsonschema:"user or assistant"`
	Content string `json:"content" jsonschema:"Message text"`
}

type rememberInput struct {
	UserID   string         `json:"user_id" jsonschema:"Owner of the memories"`
	Messages []messageInput `json:"messages" jsonschema:"Conversation turns to append, oldest first"`
}

type rememberOutput struct {
	Accepted int `json:"accepted" jsonschema:"Number of messages appended"`
}

type recallInput struct {
	UserID string `json:"user_id" jsonschema:"Owner of the memories"`
	Query  string `json:"query" jsonschema:"What to recall"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Maximum vector hits (default: 5)"`
}

type recallOutput struct {
	Context string `json:"context" jsonschema:"Relevant memory summaries, one per line, best first"`
	Count   int    `json:"count" jsonschema:"Number of memories in the context"`
}

type searchInput struct {
	UserID string `json:"user_id" jsonschema:"Owner of the memories"`
	Query  string `json:"query" jsonschema:"Search query"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Maximum vector hits (default: 5)"`
}

type searchResult struct {
	ID         string   `json:"id"`
	Summary    string   `json:"summary"`
	Tag        string   `json:"tag"`
	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
	Entities   []string `json:"entities"`
	Similarity *float64 `json:"similarity,omitempty" jsonschema:"Vector similarity, absent for graph-only results"`
	Rank       int      `json:"rank"`
}

type searchOutput struct {
	Results []searchResult `json:"results"`
	Count   int            `json:"count"`
}

type tagsInput struct {
	UserID string `json:"user_id" jsonschema:"Owner of the memories"`
}

type tagsOutput struct {
	Tags []string `json:"tags"`
}

type forgetInput struct {
	UserID  string `json:"user_id" jsonschema:"Owner whose data is deleted"`
	Confirm bool   `json:"confirm" jsonschema:"Must be true; deletion cannot be undone"`
}

type forgetOutput struct {
	Status string            `json:"status" jsonschema:"complete, partial or failed"`
	Failed map[string]string `json:"failed,omitempty" jsonschema:"Error per target that could not be cleared"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_remember",
		Description: "Append conversation turns to a user's short-term memory. Older turns are consolidated into long-term memory in the background.",
	}, s.remember)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_recall",
		Description: "Recall long-term memories relevant to a query as a ready-to-use context string",
	}, s.recall)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search a user's long-term memories and return scored records",
	}, s.search)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_tags",
		Description: "List the tags a user's memories are filed under",
	}, s.tags)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_forget",
		Description: "Delete everything stored for a user: short-term buffer, vectors, graph and tags",
	}, s.forget)
}

func (s *Server) remember(ctx context.Context, _ *mcp.CallToolRequest, args rememberInput) (res *mcp.CallToolResult, out rememberOutput, err error) {
	done := s.metrics.track(ctx, "memory_remember")
	defer func() { done(err) }()

	if len(args.Messages) == 0 {
		return nil, out, fmt.Errorf("%w: messages are required", errInvalidInput)
	}
	msgs := make([]memory.Message, len(args.Messages))
	for i, m := range args.Messages {
		msgs[i] = memory.Message{Role: memory.Role(strings.ToLower(strings.TrimSpace(m.Role))), Content: m.Content}
	}
	if err := s.memory.Append(ctx, args.UserID, msgs...); err != nil {
		return nil, out, err
	}
	out.Accepted = len(msgs)
	s.metrics.messagesRemembered(ctx, out.Accepted)
	return textResult(fmt.Sprintf("Remembered %d messages for %s", out.Accepted, args.UserID)), out, nil
}

func (s *Server) recall(ctx context.Context, _ *mcp.CallToolRequest, args recallInput) (res *mcp.CallToolResult, out recallOutput, err error) {
	done := s.metrics.track(ctx, "memory_recall")
	defer func() { done(err) }()

	if strings.TrimSpace(args.Query) == "" {
		return nil, out, fmt.Errorf("%w: query is required", errInvalidInput)
	}
	cr, err := s.memory.Context(ctx, args.UserID, args.Query, args.TopK)
	if err != nil {
		return nil, out, err
	}
	out.Context = cr.Memories
	out.Count = len(cr.Items)
	s.metrics.memoriesReturned(ctx, "memory_recall", out.Count)
	if out.Context == "" {
		return textResult("No relevant memories."), out, nil
	}
	return textResult(out.Context), out, nil
}

func (s *Server) search(ctx context.Context, _ *mcp.CallToolRequest, args searchInput) (res *mcp.CallToolResult, out searchOutput, err error) {
	done := s.metrics.track(ctx, "memory_search")
	defer func() { done(err) }()

	if strings.TrimSpace(args.Query) == "" {
		return nil, out, fmt.Errorf("%w: query is required", errInvalidInput)
	}
	items, err := s.memory.Search(ctx, args.UserID, args.Query, args.TopK)
	if err != nil {
		return nil, out, err
	}
	out.Results = make([]searchResult, len(items))
	for i, it := range items {
		r := searchResult{
			ID:         it.ID,
			Summary:    it.Summary,
			Tag:        it.Tag,
			Importance: it.Importance,
			Confidence: it.Confidence,
			Entities:   it.Entities,
			Rank:       it.Rank,
		}
		if r.Entities == nil {
			r.Entities = []string{}
		}
		if it.HasSimilarity {
			sim := it.Similarity
			r.Similarity = &sim
		}
		out.Results[i] = r
	}
	out.Count = len(out.Results)
	s.metrics.memoriesReturned(ctx, "memory_search", out.Count)
	return textResult(fmt.Sprintf("Found %d memories", out.Count)), out, nil
}

func (s *Server) tags(ctx context.Context, _ *mcp.CallToolRequest, args tagsInput) (res *mcp.CallToolResult, out tagsOutput, err error) {
	done := s.metrics.track(ctx, "memory_tags")
	defer func() { done(err) }()

	out.Tags, err = s.memory.Tags(ctx, args.UserID)
	if err != nil {
		return nil, out, err
	}
	if len(out.Tags) == 0 {
		out.Tags = []string{}
		return textResult("No tags yet."), out, nil
	}
	return textResult(strings.Join(out.Tags, ", ")), out, nil
}

func (s *Server) forget(ctx context.Context, _ *mcp.CallToolRequest, args forgetInput) (res *mcp.CallToolResult, out forgetOutput, err error) {
	done := s.metrics.track(ctx, "memory_forget")
	defer func() { done(err) }()

	if !args.Confirm {
		return nil, out, fmt.Errorf("%w: confirm must be true", errInvalidInput)
	}
	report, err := s.memory.DeleteUser(ctx, args.UserID)
	if err != nil {
		return nil, out, err
	}
	out.Status = string(report.Status())
	s.metrics.forgot(ctx, out.Status)
	if failed := report.Failed(); len(failed) > 0 {
		out.Failed = make(map[string]string, len(failed))
		for _, target := range failed {
			out.Failed[target] = report.Targets[target].Error()
		}
		s.logger.Warn("forget incomplete", zap.String("owner", args.UserID), zap.Strings("failed", failed))
	}
	return textResult(fmt.Sprintf("Deletion for %s: %s", args.UserID, out.Status)), out, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
