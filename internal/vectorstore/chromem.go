package vectorstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
)

var chromemTracer = otel.Tracer("memoryd.vectorstore.chromem")

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Dimension is the expected vector size. It lets All list a collection
	// loaded from disk without calling the embedder.
	Dimension int
}

// ChromemIndex stores each owner's memories in a chromem collection.
//
// chromem only supports cosine similarity over normalized vectors, so
// distances are reported as the L2 distance between unit vectors,
// sqrt(2 - 2cos).
type ChromemIndex struct {
	db        *chromem.DB
	embedder  embeddings.Embedder
	dimension int
	logger    *zap.Logger

	mu   sync.Mutex
	dims map[string]int
}

// NewChromemIndex opens or creates the index. The embedder backs chromem's
// embedding function for collections loaded from disk.
func NewChromemIndex(cfg ChromemConfig, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem index initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("collections", len(db.ListCollections())),
	)

	return &ChromemIndex{
		db:        db,
		embedder:  embedder,
		dimension: cfg.Dimension,
		logger:    logger,
		dims:      make(map[string]int),
	}, nil
}

func (c *ChromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.EmbedQuery(ctx, text)
	}
}

// collection returns the owner's collection or nil. The embedding function
// must always be passed: chromem falls back to OpenAI for nil.
func (c *ChromemIndex) collection(owner string) *chromem.Collection {
	return c.db.GetCollection(CollectionName(owner), c.embeddingFunc())
}

// Count implements Index.
func (c *ChromemIndex) Count(_ context.Context, owner string) (int, error) {
	col := c.collection(owner)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Nearest implements Index.
func (c *ChromemIndex) Nearest(ctx context.Context, owner string, vector []float32, k int) ([]Neighbor, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Nearest")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("k", k))

	col := c.collection(owner)
	if col == nil || k <= 0 {
		return nil, nil
	}
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", col.Name, err)
	}
	c.learnDimension(owner, len(vector))

	out := make([]Neighbor, 0, len(results))
	for _, res := range results {
		rec, err := decodeRecord(res.Metadata)
		if err != nil {
			c.logger.Warn("skipping undecodable document", zap.String("id", res.ID), zap.Error(err))
			continue
		}
		out = append(out, Neighbor{
			Entry:    Entry{Record: rec, Vector: res.Embedding},
			Distance: cosineToL2(float64(res.Similarity)),
		})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Get implements Index.
func (c *ChromemIndex) Get(ctx context.Context, owner, id string) (Entry, bool, error) {
	col := c.collection(owner)
	if col == nil || id == "" {
		return Entry{}, false, nil
	}
	doc, err := col.GetByID(ctx, id)
	if isChromemNotFound(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("getting document %s: %w", id, err)
	}
	rec, err := decodeRecord(doc.Metadata)
	if err != nil {
		return Entry{}, false, err
	}
	c.learnDimension(owner, len(doc.Embedding))
	return Entry{Record: rec, Vector: doc.Embedding}, true, nil
}

// All implements Index. chromem has no listing API, so this runs a
// full-collection query with a unit probe vector and sorts by id. The
// embedder is only called when the vector size is unknown.
func (c *ChromemIndex) All(ctx context.Context, owner string) ([]Entry, error) {
	col := c.collection(owner)
	if col == nil {
		return nil, nil
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}

	results, err := c.listAll(ctx, owner, col, n)
	if err != nil {
		return nil, fmt.Errorf("listing collection %s: %w", col.Name, err)
	}

	out := make([]Entry, 0, len(results))
	for _, res := range results {
		rec, err := decodeRecord(res.Metadata)
		if err != nil {
			c.logger.Warn("skipping undecodable document", zap.String("id", res.ID), zap.Error(err))
			continue
		}
		out = append(out, Entry{Record: rec, Vector: res.Embedding})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out, nil
}

// Upsert implements Index.
func (c *ChromemIndex) Upsert(ctx context.Context, owner string, entries []Entry) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("documents", len(entries)))

	if len(entries) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		md, err := encodeRecord(e.Record)
		if err != nil {
			return err
		}
		docs[i] = chromem.Document{
			ID:        e.Record.ID,
			Content:   e.Record.Summary,
			Metadata:  md,
			Embedding: e.Vector,
		}
	}

	col, err := c.db.GetOrCreateCollection(CollectionName(owner), nil, c.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting collection for %s: %w", owner, err)
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	c.learnDimension(owner, len(entries[0].Vector))
	return nil
}

// Drop implements Index.
func (c *ChromemIndex) Drop(_ context.Context, owner string) error {
	if c.collection(owner) == nil {
		return nil
	}
	if err := c.db.DeleteCollection(CollectionName(owner)); err != nil {
		return fmt.Errorf("deleting collection for %s: %w", owner, err)
	}
	c.mu.Lock()
	delete(c.dims, owner)
	c.mu.Unlock()
	c.logger.Info("dropped chromem collection", zap.String("owner", owner))
	return nil
}

// Close is a no-op; chromem persists on every write.
func (c *ChromemIndex) Close() error {
	return nil
}

func (c *ChromemIndex) listAll(ctx context.Context, owner string, col *chromem.Collection, n int) ([]chromem.Result, error) {
	if dim := c.knownDimension(owner); dim > 0 {
		probe := make([]float32, dim)
		probe[0] = 1
		results, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
		if err == nil {
			return results, nil
		}
		c.logger.Debug("probe listing failed, embedding a query instead",
			zap.String("owner", owner), zap.Int("dimension", dim), zap.Error(err))
	}
	return col.Query(ctx, "memory", n, nil, nil)
}

func (c *ChromemIndex) learnDimension(owner string, dim int) {
	if dim <= 0 {
		return
	}
	c.mu.Lock()
	c.dims[owner] = dim
	c.mu.Unlock()
}

// knownDimension prefers what was seen in the collection, then the
// embedder's reported size, then the configured one.
func (c *ChromemIndex) knownDimension(owner string) int {
	c.mu.Lock()
	dim := c.dims[owner]
	c.mu.Unlock()
	if dim > 0 {
		return dim
	}
	if d, ok := c.embedder.(interface{ Dimension() int }); ok && d.Dimension() > 0 {
		return d.Dimension()
	}
	return c.dimension
}

// isChromemNotFound matches the error chromem returns for a missing id. It
// has no sentinel.
func isChromemNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

func cosineToL2(cos float64) float64 {
	return math.Sqrt(math.Max(0, 2-2*cos))
}

var _ Index = (*ChromemIndex)(nil)
