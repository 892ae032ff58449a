package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

var (
	// ErrEmbeddingFailed indicates the embedder could not produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the remote index is unreachable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrEmptyQuery indicates a blank search query.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrDimensionMismatch indicates a vector of the wrong length for the partition.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Entry is a record stored together with its embedding.
type Entry struct {
	Record memory.Record
	Vector []float32
}

// Neighbor is a search hit with its L2 distance from the query.
type Neighbor struct {
	Entry
	Distance float64
}

// Index is a vector index partitioned by owner. Implementations keep the
// record metadata in the same document as the vector, so a write updates
// both or neither.
type Index interface {
	// Count returns the number of entries, 0 when the partition does not exist.
	Count(ctx context.Context, owner string) (int, error)

	// Nearest returns up to k entries ordered by ascending L2 distance.
	Nearest(ctx context.Context, owner string, vector []float32, k int) ([]Neighbor, error)

	// Get returns the entry with id.
	Get(ctx context.Context, owner, id string) (Entry, bool, error)

	// All returns every entry of the partition.
	All(ctx context.Context, owner string) ([]Entry, error)

	// Upsert writes entries, creating the partition when missing. Entries
	// with an existing id replace it.
	Upsert(ctx context.Context, owner string, entries []Entry) error

	// Drop deletes the partition. Missing partitions are not an error.
	Drop(ctx context.Context, owner string) error

	Close() error
}

// CollectionName returns the per-owner partition name.
func CollectionName(owner string) string {
	return "memories_" + owner
}

// Metadata keys shared by the chromem and Qdrant backends.
const (
	keyID           = "id"
	keySummary      = "summary"
	keyTag          = "tag"
	keyImportance   = "importance"
	keyConfidence   = "confidence"
	keyEntities     = "entities"
	keyOwner        = "owner"
	keyLastAccessed = "last_accessed"
)

func encodeRecord(r memory.Record) (map[string]string, error) {
	entities := r.Entities
	if entities == nil {
		entities = []string{}
	}
	ents, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("encoding entities: %w", err)
	}
	return map[string]string{
		keyID:           r.ID,
		keySummary:      r.Summary,
		keyTag:          r.Tag,
		keyImportance:   strconv.FormatFloat(r.Importance, 'g', -1, 64),
		keyConfidence:   strconv.FormatFloat(r.Confidence, 'g', -1, 64),
		keyEntities:     string(ents),
		keyOwner:        r.Owner,
		keyLastAccessed: r.LastAccessed.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeRecord(md map[string]string) (memory.Record, error) {
	r := memory.Record{
		ID:      md[keyID],
		Summary: md[keySummary],
		Tag:     md[keyTag],
		Owner:   md[keyOwner],
	}
	if r.ID == "" {
		return memory.Record{}, errors.New("record metadata missing id")
	}

	var err error
	if r.Importance, err = strconv.ParseFloat(md[keyImportance], 64); err != nil {
		return memory.Record{}, fmt.Errorf("record %s: importance: %w", r.ID, err)
	}
	if r.Confidence, err = strconv.ParseFloat(md[keyConfidence], 64); err != nil {
		return memory.Record{}, fmt.Errorf("record %s: confidence: %w", r.ID, err)
	}
	if raw := md[keyEntities]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Entities); err != nil {
			return memory.Record{}, fmt.Errorf("record %s: entities: %w", r.ID, err)
		}
	}
	if raw := md[keyLastAccessed]; raw != "" {
		if r.LastAccessed, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return memory.Record{}, fmt.Errorf("record %s: last_accessed: %w", r.ID, err)
		}
	}
	return r, nil
}
