package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("memoryd.vectorstore.qdrant")

// QdrantConfig configures the Qdrant gRPC index.
type QdrantConfig struct {
	Host   string
	Port   int
	UseTLS bool
	APIKey string

	// MaxRetries is the number of retries for transient gRPC failures.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on every retry.
	RetryBackoff time.Duration

	// MaxMessageSize bounds gRPC messages in both directions.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether err is a gRPC failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantIndex keeps one Qdrant collection per owner, with Euclid distance so
// scores are L2 distances. Records live in the point payload.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches partitions known to exist.
	collections sync.Map
}

// NewQdrantIndex connects to Qdrant and performs a health check.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant index initialized", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return &QdrantIndex{client: client, config: cfg, logger: logger}, nil
}

// retry runs op with exponential backoff while it fails transiently.
func (q *QdrantIndex) retry(ctx context.Context, name string, op func() error) error {
	backoff := q.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s: %w", name, err)
		}
		if attempt >= q.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, attempt, err)
		}
		q.logger.Debug("retrying qdrant operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (q *QdrantIndex) exists(ctx context.Context, owner string) (bool, error) {
	name := CollectionName(owner)
	if _, ok := q.collections.Load(name); ok {
		return true, nil
	}
	var exists bool
	err := q.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = q.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return false, err
	}
	if exists {
		q.collections.Store(name, true)
	}
	return exists, nil
}

func (q *QdrantIndex) ensure(ctx context.Context, owner string, dim int) error {
	ok, err := q.exists(ctx, owner)
	if err != nil || ok {
		return err
	}
	name := CollectionName(owner)
	err = q.retry(ctx, "create_collection", func() error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Euclid,
			}),
		})
	})
	if err != nil {
		// Another writer may have created it concurrently.
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
			q.collections.Store(name, true)
			return nil
		}
		return err
	}
	q.collections.Store(name, true)
	q.logger.Info("created qdrant collection", zap.String("collection", name), zap.Int("dimension", dim))
	return nil
}

// Count implements Index.
func (q *QdrantIndex) Count(ctx context.Context, owner string) (int, error) {
	ok, err := q.exists(ctx, owner)
	if err != nil || !ok {
		return 0, err
	}
	var n uint64
	err = q.retry(ctx, "count", func() error {
		var err error
		n, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: CollectionName(owner),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	return int(n), err
}

// Nearest implements Index.
func (q *QdrantIndex) Nearest(ctx context.Context, owner string, vector []float32, k int) ([]Neighbor, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Nearest")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("k", k))

	ok, err := q.exists(ctx, owner)
	if err != nil || !ok || k <= 0 {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = q.retry(ctx, "query", func() error {
		var err error
		points, err = q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: CollectionName(owner),
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]Neighbor, 0, len(points))
	for _, p := range points {
		rec, err := decodeRecord(payloadToMetadata(p.GetPayload()))
		if err != nil {
			q.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		out = append(out, Neighbor{
			Entry:    Entry{Record: rec, Vector: vectorOf(p.GetVectors())},
			Distance: float64(p.GetScore()),
		})
	}
	return out, nil
}

// Get implements Index.
func (q *QdrantIndex) Get(ctx context.Context, owner, id string) (Entry, bool, error) {
	ok, err := q.exists(ctx, owner)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	var points []*qdrant.RetrievedPoint
	err = q.retry(ctx, "get", func() error {
		var err error
		points, err = q.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: CollectionName(owner),
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		// Non-UUID ids are rejected by the server; they cannot exist.
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.InvalidArgument {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if len(points) == 0 {
		return Entry{}, false, nil
	}
	rec, err := decodeRecord(payloadToMetadata(points[0].GetPayload()))
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Record: rec, Vector: vectorOf(points[0].GetVectors())}, true, nil
}

// All implements Index, scrolling through the collection in pages.
func (q *QdrantIndex) All(ctx context.Context, owner string) ([]Entry, error) {
	ok, err := q.exists(ctx, owner)
	if err != nil || !ok {
		return nil, err
	}

	const page = 256
	var (
		out    []Entry
		offset *qdrant.PointId
	)
	for {
		var (
			points []*qdrant.RetrievedPoint
			next   *qdrant.PointId
		)
		err := q.retry(ctx, "scroll", func() error {
			var err error
			points, next, err = q.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: CollectionName(owner),
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(page)),
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(true),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			rec, err := decodeRecord(payloadToMetadata(p.GetPayload()))
			if err != nil {
				q.logger.Warn("skipping undecodable point", zap.Error(err))
				continue
			}
			out = append(out, Entry{Record: rec, Vector: vectorOf(p.GetVectors())})
		}
		if next == nil {
			return out, nil
		}
		offset = next
	}
}

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, owner string, entries []Entry) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("points", len(entries)))

	if len(entries) == 0 {
		return nil
	}
	dim := len(entries[0].Vector)
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if len(e.Vector) != dim {
			return fmt.Errorf("%w: entry %s has %d, want %d", ErrDimensionMismatch, e.Record.ID, len(e.Vector), dim)
		}
		md, err := encodeRecord(e.Record)
		if err != nil {
			return err
		}
		payload := make(map[string]*qdrant.Value, len(md))
		for k, v := range md {
			payload[k] = qdrant.NewValueString(v)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.Record.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		}
	}

	if err := q.ensure(ctx, owner, dim); err != nil {
		span.RecordError(err)
		return err
	}
	err := q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: CollectionName(owner),
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Drop implements Index.
func (q *QdrantIndex) Drop(ctx context.Context, owner string) error {
	ok, err := q.exists(ctx, owner)
	if err != nil || !ok {
		return err
	}
	name := CollectionName(owner)
	if err := q.retry(ctx, "delete_collection", func() error {
		return q.client.DeleteCollection(ctx, name)
	}); err != nil {
		return err
	}
	q.collections.Delete(name)
	q.logger.Info("dropped qdrant collection", zap.String("collection", name))
	return nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func payloadToMetadata(payload map[string]*qdrant.Value) map[string]string {
	md := make(map[string]string, len(payload))
	for k, v := range payload {
		md[k] = v.GetStringValue()
	}
	return md
}

func vectorOf(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if dense := out.GetDense(); dense != nil {
		return dense.GetData()
	}
	return out.GetData()
}

var _ Index = (*QdrantIndex)(nil)
