package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// Fake is a deterministic in-process Embedder for tests. Texts listed in
// Vectors map to their configured vector; anything else gets a unit vector
// derived from its words.
type Fake struct {
	Dim     int
	Vectors map[string][]float32
	Err     error

	mu    sync.Mutex
	calls int
}

// NewFake creates a Fake with dimension dim.
func NewFake(dim int) *Fake {
	return &Fake{Dim: dim, Vectors: make(map[string][]float32)}
}

// Set maps text to vec.
func (f *Fake) Set(text string, vec []float32) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Vectors[text] = vec
	return f
}

// Calls returns how many embed calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := f.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *Fake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if v, ok := f.Vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	return f.hashVector(text), nil
}

func (f *Fake) Dimension() int { return f.Dim }

func (f *Fake) Close() error { return nil }

func (f *Fake) hashVector(text string) []float32 {
	dim := f.Dim
	if dim <= 0 {
		dim = 8
	}
	v := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
