// Package retriever answers memory queries by fusing vector search with
// graph expansion and re-ranking the combined records.
package retriever

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

var tracer = otel.Tracer("memoryd.retriever")

// Defaults.
const (
	DefaultTopK       = 5
	DefaultGraphLimit = 20
)

// ErrNilDependency is returned by New when a collaborator is missing.
var ErrNilDependency = errors.New("retriever: dependency cannot be nil")

// Vectors searches and fetches an owner's records.
type Vectors interface {
	Search(ctx context.Context, owner, query string, k int) ([]memory.ScoredRecord, error)
	GetByID(ctx context.Context, owner, id string) (memory.Record, bool, error)
}

// Graph expands a set of the owner's memory ids to related ones.
type Graph interface {
	GetRelatedMemoryIDs(ctx context.Context, owner string, ids []string, limit int) ([]string, error)
}

// Options configures a Retriever.
type Options struct {
	TopK int
	// GraphLimit caps each graph expansion.
	GraphLimit int
}

// Result is the outcome of a retrieval.
type Result struct {
	// Context is the newline-joined summaries in rank order.
	Context string
	Items   []memory.ScoredRecord
	// NotFound lists related ids the graph returned that have no record
	// for the owner.
	NotFound []string
}

// Retriever combines vector search with graph expansion.
type Retriever struct {
	vectors Vectors
	graph   Graph
	opts    Options
	logger  *zap.Logger
}

// New creates a Retriever.
func New(vectors Vectors, graph Graph, opts Options, logger *zap.Logger) (*Retriever, error) {
	if vectors == nil || graph == nil {
		return nil, ErrNilDependency
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.GraphLimit <= 0 {
		opts.GraphLimit = DefaultGraphLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{vectors: vectors, graph: graph, opts: opts, logger: logger}, nil
}

// Retrieve returns the owner's memories relevant to query. topK <= 0 uses
// the configured default. A graph failure degrades to vector results only.
func (r *Retriever) Retrieve(ctx context.Context, owner, query string, topK int) (Result, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if topK <= 0 {
		topK = r.opts.TopK
	}
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("top_k", topK))

	hits, err := r.vectors.Search(ctx, owner, query, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return Result{}, err
	}
	if len(hits) == 0 {
		return Result{}, nil
	}

	byID := make(map[string]memory.ScoredRecord, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		byID[h.ID] = h
		ids = append(ids, h.ID)
	}

	var notFound []string
	related, err := r.graph.GetRelatedMemoryIDs(ctx, owner, ids, r.opts.GraphLimit)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("graph expansion failed, using vector results only",
			zap.String("owner", owner), zap.Error(err))
		related = nil
	}
	for _, id := range related {
		if _, ok := byID[id]; ok {
			continue
		}
		rec, ok, err := r.vectors.GetByID(ctx, owner, id)
		if err != nil {
			r.logger.Warn("failed to fetch related memory",
				zap.String("owner", owner), zap.String("id", id), zap.Error(err))
		}
		if err != nil || !ok {
			notFound = append(notFound, id)
			continue
		}
		byID[id] = memory.ScoredRecord{Record: rec, Similarity: neutralSimilarity}
	}

	items := make([]memory.ScoredRecord, 0, len(byID))
	for _, item := range byID {
		items = append(items, item)
	}
	Rank(items)

	span.SetAttributes(
		attribute.Int("vector_hits", len(hits)),
		attribute.Int("graph_related", len(related)),
		attribute.Int("not_found", len(notFound)))
	r.logger.Debug("retrieved memories",
		zap.String("owner", owner),
		zap.Int("vector_hits", len(hits)),
		zap.Int("items", len(items)),
		zap.Int("not_found", len(notFound)))

	return Result{Context: BuildContext(items), Items: items, NotFound: notFound}, nil
}

// Search returns only the context string. Errors yield an empty string.
func (r *Retriever) Search(ctx context.Context, owner, query string, topK int) string {
	res, err := r.Retrieve(ctx, owner, query, topK)
	if err != nil {
		r.logger.Warn("memory search failed", zap.String("owner", owner), zap.Error(err))
		return ""
	}
	return res.Context
}

// BuildContext joins the non-empty summaries of items with newlines.
func BuildContext(items []memory.ScoredRecord) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it.Summary); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}
