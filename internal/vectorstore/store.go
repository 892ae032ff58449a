// Package vectorstore holds each owner's long-term memories in a vector index
// and implements deduplication, merging and access reinforcement on top of it.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// timeNow is replaced in tests.
var timeNow = time.Now

var tracer = otel.Tracer("memoryd.vectorstore")

// Default thresholds and search size.
const (
	DefaultDuplicateThreshold = 0.90
	DefaultMergeThreshold     = 0.80
	DefaultTopK               = 5
)

// Options configures a Store.
type Options struct {
	// DuplicateThreshold is the similarity at or above which a candidate is
	// dropped as a duplicate.
	DuplicateThreshold float64

	// MergeThreshold is the similarity at or above which a candidate is
	// merged into its nearest neighbour.
	MergeThreshold float64

	Normalizer Normalizer
	Model      memory.Model
}

// ApplyDefaults sets default values for unset fields.
func (o *Options) ApplyDefaults() {
	if o.DuplicateThreshold <= 0 {
		o.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if o.MergeThreshold <= 0 {
		o.MergeThreshold = DefaultMergeThreshold
	}
	if o.Normalizer.MaxDistance <= 0 {
		o.Normalizer.MaxDistance = DefaultMaxDistance
	}
	o.Model.ApplyDefaults()
}

// Validate checks threshold ordering.
func (o Options) Validate() error {
	if o.MergeThreshold >= o.DuplicateThreshold || o.DuplicateThreshold > 1 {
		return fmt.Errorf("%w: need 0 < merge (%v) < duplicate (%v) <= 1",
			ErrInvalidConfig, o.MergeThreshold, o.DuplicateThreshold)
	}
	return nil
}

// Store is the long-term memory vector store.
type Store struct {
	index    Index
	embedder embeddings.Embedder
	opts     Options
	logger   *zap.Logger
	locks    *keyedMutex
	metrics  *metrics
}

// New creates a Store over index.
func New(index Index, embedder embeddings.Embedder, opts Options, logger *zap.Logger) (*Store, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: index is required", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		index:    index,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		locks:    newKeyedMutex(),
		metrics:  newMetrics(logger),
	}, nil
}

type outcome int

const (
	accept outcome = iota
	merge
	skip
)

func (s *Store) classify(similarity float64) outcome {
	switch {
	case similarity >= s.opts.DuplicateThreshold:
		return skip
	case similarity >= s.opts.MergeThreshold:
		return merge
	default:
		return accept
	}
}

// Add embeds the candidates and stores the ones that are not duplicates or
// merge targets of records already in the owner's index. Candidates are
// compared only against records that existed before the call. Returns the
// newly created records.
func (s *Store) Add(ctx context.Context, owner string, candidates []memory.Candidate) (added []memory.Record, err error) {
	ctx, span := tracer.Start(ctx, "Store.Add")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.recordDuration(ctx, "add", start, err) }()

	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}

	now := timeNow().UTC()
	records := make([]memory.Record, 0, len(candidates))
	for _, c := range candidates {
		rec, err := memory.NewRecord(owner, c, now)
		if err != nil {
			s.logger.Debug("dropping invalid candidate", zap.String("owner", owner), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("candidates", len(records)))
	if len(records) == 0 {
		return nil, nil
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Summary
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	unlock := s.locks.Lock(owner)
	defer unlock()

	count, err := s.index.Count(ctx, owner)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("counting index for %s: %w", owner, err)
	}

	var (
		fresh   []Entry
		merged  = make(map[string]Entry)
		order   []string
		skipped int
	)
	for i, rec := range records {
		if count == 0 {
			fresh = append(fresh, Entry{Record: rec, Vector: vectors[i]})
			continue
		}

		hits, err := s.index.Nearest(ctx, owner, vectors[i], 1)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("searching nearest for %s: %w", owner, err)
		}
		if len(hits) == 0 {
			fresh = append(fresh, Entry{Record: rec, Vector: vectors[i]})
			continue
		}

		hit := hits[0]
		sim := s.opts.Normalizer.Similarity(hit.Distance)
		switch s.classify(sim) {
		case skip:
			skipped++
		case merge:
			target, seen := merged[hit.Record.ID]
			if !seen {
				target = hit.Entry
				order = append(order, hit.Record.ID)
			}
			target.Record = s.opts.Model.Reinforce(target.Record, now, sim)
			target.Record.Entities = memory.MergeEntities(target.Record.Entities, rec.Entities)
			merged[hit.Record.ID] = target
		default:
			fresh = append(fresh, Entry{Record: rec, Vector: vectors[i]})
		}
	}

	writes := make([]Entry, 0, len(fresh)+len(order))
	writes = append(writes, fresh...)
	for _, id := range order {
		writes = append(writes, merged[id])
	}
	if err := s.index.Upsert(ctx, owner, writes); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("writing records for %s: %w", owner, err)
	}

	added = make([]memory.Record, len(fresh))
	for i, e := range fresh {
		added[i] = e.Record
	}

	s.metrics.recordOutcome(ctx, outcomeAdded, len(fresh))
	s.metrics.recordOutcome(ctx, outcomeMerged, len(order))
	s.metrics.recordOutcome(ctx, outcomeSkipped, skipped)
	s.metrics.recordReinforced(ctx, "merge", len(order))
	span.SetAttributes(
		attribute.Int("added", len(fresh)),
		attribute.Int("merged", len(order)),
		attribute.Int("skipped", skipped),
	)
	s.logger.Info("memories added",
		zap.String("owner", owner),
		zap.Int("added", len(fresh)),
		zap.Int("merged", len(order)),
		zap.Int("skipped", skipped),
	)
	return added, nil
}

// Search returns the k records nearest to query, reinforcing each hit.
func (s *Store) Search(ctx context.Context, owner, query string, k int) (results []memory.ScoredRecord, err error) {
	ctx, span := tracer.Start(ctx, "Store.Search")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.recordDuration(ctx, "search", start, err) }()

	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = DefaultTopK
	}
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("k", k))

	unlock := s.locks.Lock(owner)
	defer unlock()

	count, err := s.index.Count(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("counting index for %s: %w", owner, err)
	}
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	hits, err := s.index.Nearest(ctx, owner, vector, k)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("searching index for %s: %w", owner, err)
	}

	now := timeNow().UTC()
	updates := make([]Entry, len(hits))
	results = make([]memory.ScoredRecord, len(hits))
	for i, hit := range hits {
		sim := s.opts.Normalizer.Similarity(hit.Distance)
		rec := s.opts.Model.Reinforce(hit.Record, now, sim)
		updates[i] = Entry{Record: rec, Vector: hit.Vector}
		results[i] = memory.ScoredRecord{Record: rec, Similarity: sim, HasSimilarity: true, Rank: i}
	}
	if err := s.index.Upsert(ctx, owner, updates); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting reinforcement for %s: %w", owner, err)
	}

	s.metrics.recordReinforced(ctx, "search", len(updates))
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// GetByID returns the record with id and reinforces it. The boolean is false
// when no such record exists.
func (s *Store) GetByID(ctx context.Context, owner, id string) (memory.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "Store.GetByID")
	defer span.End()

	if err := memory.ValidateOwner(owner); err != nil {
		return memory.Record{}, false, err
	}

	unlock := s.locks.Lock(owner)
	defer unlock()

	entry, ok, err := s.index.Get(ctx, owner, id)
	if err != nil {
		span.RecordError(err)
		return memory.Record{}, false, fmt.Errorf("getting record %s: %w", id, err)
	}
	if !ok {
		return memory.Record{}, false, nil
	}

	entry.Record = s.opts.Model.Reinforce(entry.Record, timeNow().UTC(), memory.DefaultMatchScore)
	if err := s.index.Upsert(ctx, owner, []Entry{entry}); err != nil {
		span.RecordError(err)
		return memory.Record{}, false, fmt.Errorf("persisting reinforcement for %s: %w", id, err)
	}
	s.metrics.recordReinforced(ctx, "lookup", 1)
	return entry.Record, true, nil
}

// All returns every record of owner ordered by id. Records are not reinforced.
func (s *Store) All(ctx context.Context, owner string) ([]memory.Record, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	entries, err := s.index.All(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing records for %s: %w", owner, err)
	}
	out := make([]memory.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of records of owner.
func (s *Store) Count(ctx context.Context, owner string) (int, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return 0, err
	}
	return s.index.Count(ctx, owner)
}

// DeleteAll removes every record of owner.
func (s *Store) DeleteAll(ctx context.Context, owner string) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	unlock := s.locks.Lock(owner)
	defer unlock()

	if err := s.index.Drop(ctx, owner); err != nil {
		return fmt.Errorf("dropping index for %s: %w", owner, err)
	}
	s.logger.Info("deleted all memories", zap.String("owner", owner))
	return nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.Close()
}
