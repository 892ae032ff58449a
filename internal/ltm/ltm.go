// Package ltm runs the long-term memory pipeline: extraction, tag
// registration, vector storage with deduplication, and graph mirroring.
package ltm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/extraction"
	"github.com/fyrsmithlabs/memoryd/internal/graphstore"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

var tracer = otel.Tracer("memoryd.ltm")

// ErrNilDependency is returned by NewService when a collaborator is missing.
var ErrNilDependency = errors.New("ltm: dependency cannot be nil")

// Vectors is the part of the vector store the pipeline needs.
type Vectors interface {
	Add(ctx context.Context, owner string, candidates []memory.Candidate) ([]memory.Record, error)
	Search(ctx context.Context, owner, query string, k int) ([]memory.ScoredRecord, error)
	GetByID(ctx context.Context, owner, id string) (memory.Record, bool, error)
	All(ctx context.Context, owner string) ([]memory.Record, error)
	DeleteAll(ctx context.Context, owner string) error
}

// Result summarizes one pipeline run.
type Result struct {
	// Candidates is the number of candidates produced by extraction or
	// supplied for ingest.
	Candidates int
	Tags       []string
	// Added holds the records that were new; merged and duplicate
	// candidates are not returned.
	Added []memory.Record
	// GraphErr is set when the graph mirror failed. Vectors are already
	// stored at that point, so the run still counts as successful.
	GraphErr error
}

// Service wires the long-term memory backends together.
type Service struct {
	extractor extraction.Extractor
	tags      store.TagStore
	vectors   Vectors
	graph     graphstore.Store
	logger    *zap.Logger
}

// NewService creates a Service.
func NewService(extractor extraction.Extractor, tags store.TagStore, vectors Vectors, graph graphstore.Store, logger *zap.Logger) (*Service, error) {
	if extractor == nil || tags == nil || vectors == nil || graph == nil {
		return nil, ErrNilDependency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		extractor: extractor,
		tags:      tags,
		vectors:   vectors,
		graph:     graph,
		logger:    logger,
	}, nil
}

// Vectors returns the vector store.
func (s *Service) Vectors() Vectors { return s.vectors }

// Graph returns the graph store.
func (s *Service) Graph() graphstore.Store { return s.graph }

// Tags returns the tag store.
func (s *Service) Tags() store.TagStore { return s.tags }

// Consolidate extracts memories from messages and stores them.
//
// A transport failure of the extractor is returned so the caller can keep
// the messages; a reply with nothing usable is an empty, successful run.
func (s *Service) Consolidate(ctx context.Context, owner string, messages []memory.Message) (Result, error) {
	ctx, span := tracer.Start(ctx, "Service.Consolidate")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("messages", len(messages)))

	if err := memory.ValidateOwner(owner); err != nil {
		return Result{}, err
	}

	known, err := s.tags.Tags(ctx, owner)
	if err != nil {
		s.logger.Warn("failed to load known tags, extracting without them",
			zap.String("owner", owner), zap.Error(err))
		known = nil
	}

	tagged, err := s.extractor.Extract(ctx, owner, messages, known)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return Result{}, fmt.Errorf("extracting memories for %s: %w", owner, err)
	}
	if len(tagged) == 0 {
		s.logger.Info("no memories extracted", zap.String("owner", owner), zap.Int("messages", len(messages)))
		return Result{}, nil
	}
	return s.store(ctx, owner, tagged)
}

// Ingest stores already tagged candidates, bypassing extraction.
func (s *Service) Ingest(ctx context.Context, owner string, tagged map[string][]memory.Candidate) (Result, error) {
	ctx, span := tracer.Start(ctx, "Service.Ingest")
	defer span.End()

	if err := memory.ValidateOwner(owner); err != nil {
		return Result{}, err
	}
	if len(tagged) == 0 {
		return Result{}, nil
	}
	return s.store(ctx, owner, tagged)
}

func (s *Service) store(ctx context.Context, owner string, tagged map[string][]memory.Candidate) (Result, error) {
	tags, candidates := flatten(tagged)
	res := Result{Candidates: len(candidates), Tags: tags}

	// Tag registration is advisory; a failure only costs prompt context.
	if err := s.tags.SaveTags(ctx, owner, tags); err != nil {
		s.logger.Warn("failed to save tags", zap.String("owner", owner), zap.Error(err))
	}

	if len(candidates) == 0 {
		return res, nil
	}

	added, err := s.vectors.Add(ctx, owner, candidates)
	if err != nil {
		s.logger.Error("failed to store memories", zap.String("owner", owner), zap.Error(err))
		return res, fmt.Errorf("storing memories for %s: %w", owner, err)
	}
	res.Added = added

	if len(added) > 0 {
		if err := s.graph.StoreMemoryGraph(ctx, owner, added); err != nil {
			res.GraphErr = err
			s.logger.Warn("failed to mirror memories into graph",
				zap.String("owner", owner), zap.Int("records", len(added)), zap.Error(err))
		}
	}

	s.logger.Info("stored memories",
		zap.String("owner", owner),
		zap.Int("candidates", res.Candidates),
		zap.Int("added", len(added)),
		zap.Strings("tags", tags))
	return res, nil
}

// flatten returns the sorted tag keys and every candidate with its Tag set
// from the key, in tag order.
func flatten(tagged map[string][]memory.Candidate) ([]string, []memory.Candidate) {
	tags := make([]string, 0, len(tagged))
	for tag := range tagged {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var out []memory.Candidate
	for _, tag := range tags {
		for _, c := range tagged[tag] {
			c.Tag = tag
			out = append(out, c)
		}
	}
	return tags, out
}
