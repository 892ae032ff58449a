package vectorstore

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

func TestNormalizer(t *testing.T) {
	tests := []struct {
		name     string
		max      float64
		distance float64
		want     float64
	}{
		{"exact match", 2, 0, 1},
		{"half way", 2, 1, 0.5},
		{"at max", 2, 2, 0},
		{"beyond max", 2, 3.5, 0},
		{"custom max", 4, 1, 0.75},
		{"default max", 0, 0.2, 0.9},
		{"negative", 2, -1, 1},
		{"nan", 2, math.NaN(), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Normalizer{MaxDistance: tt.max}.Similarity(tt.distance), 1e-12)
		})
	}
}

func TestCosineToL2(t *testing.T) {
	assert.InDelta(t, 0, cosineToL2(1), 1e-12)
	assert.InDelta(t, math.Sqrt2, cosineToL2(0), 1e-12)
	assert.InDelta(t, 2, cosineToL2(-1), 1e-12)
	assert.InDelta(t, 0, cosineToL2(1.0000001), 1e-12)
}

func TestChromemIndex_PersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	fake := embeddings.NewFake(3)
	ctx := context.Background()

	rec := memory.Record{
		ID:           "8f5b6a55-9a42-4a6c-9a55-0c6a1a1f2b3c",
		Summary:      "likes jazz",
		Tag:          "preferences",
		Importance:   0.4,
		Confidence:   0.7,
		Entities:     []string{"jazz"},
		Owner:        "alice",
		LastAccessed: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	idx, err := NewChromemIndex(ChromemConfig{Path: dir, Compress: true}, fake, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "alice", []Entry{{Record: rec, Vector: []float32{0, 3, 4}}}))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(ChromemConfig{Path: dir, Compress: true}, fake, nil)
	require.NoError(t, err)

	got, ok, err := reopened.Get(ctx, "alice", rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got.Record)
	assert.InDeltaSlice(t, []float32{0, 0.6, 0.8}, got.Vector, 1e-6)

	n, err := reopened.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = reopened.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChromemIndex_NearestOrdersByDistance(t *testing.T) {
	fake := embeddings.NewFake(2)
	idx, err := NewChromemIndex(ChromemConfig{}, fake, nil)
	require.NoError(t, err)
	ctx := context.Background()

	entries := []Entry{
		{Record: memory.Record{ID: "a", Summary: "a", Owner: "o"}, Vector: []float32{1, 0}},
		{Record: memory.Record{ID: "b", Summary: "b", Owner: "o"}, Vector: []float32{0, 1}},
		{Record: memory.Record{ID: "c", Summary: "c", Owner: "o"}, Vector: []float32{1, 1}},
	}
	require.NoError(t, idx.Upsert(ctx, "o", entries))

	hits, err := idx.Nearest(ctx, "o", []float32{1, 0.1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].Record.ID)
	assert.Equal(t, "c", hits[1].Record.ID)
	assert.Equal(t, "b", hits[2].Record.ID)
	assert.Less(t, hits[0].Distance, hits[1].Distance)

	all, err := idx.All(ctx, "o")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Record.ID)

	require.NoError(t, idx.Drop(ctx, "o"))
	hits, err = idx.Nearest(ctx, "o", []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_AllDoesNotEmbed(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	entries := []Entry{
		{Record: memory.Record{ID: "b", Summary: "b", Owner: "alice"}, Vector: []float32{0, 1, 0}},
		{Record: memory.Record{ID: "a", Summary: "a", Owner: "alice"}, Vector: []float32{1, 0, 0}},
	}

	fake := embeddings.NewFake(3)
	idx, err := NewChromemIndex(ChromemConfig{Path: dir}, fake, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "alice", entries))

	fake.Err = errors.New("embedding service down")
	all, err := idx.All(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Record.ID)
	assert.Equal(t, "b", all[1].Record.ID)

	// Loaded from disk, the size comes from configuration.
	down := embeddings.NewFake(0)
	down.Err = errors.New("embedding service down")
	reopened, err := NewChromemIndex(ChromemConfig{Path: dir, Dimension: 3}, down, nil)
	require.NoError(t, err)
	all, err = reopened.All(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Zero(t, down.Calls())
}

func TestChromemIndex_GetMissing(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, embeddings.NewFake(2), nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "alice", []Entry{
		{Record: memory.Record{ID: "a", Summary: "a", Owner: "alice"}, Vector: []float32{1, 0}},
	}))

	_, ok, err := idx.Get(ctx, "alice", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = idx.Get(ctx, "bob", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = idx.collection("alice").GetByID(ctx, "missing")
	assert.True(t, isChromemNotFound(err))
	assert.False(t, isChromemNotFound(errors.New("permission denied")))
	assert.False(t, isChromemNotFound(nil))
}

func TestDecodeRecord_MissingID(t *testing.T) {
	_, err := decodeRecord(map[string]string{keySummary: "x"})
	assert.Error(t, err)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
	assert.False(t, IsTransientError(assert.AnError))
}

func TestQdrantConfig(t *testing.T) {
	var cfg QdrantConfig
	cfg.ApplyDefaults()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.NoError(t, cfg.Validate())

	cfg.MaxRetries = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("alice")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, km.locks)
}
