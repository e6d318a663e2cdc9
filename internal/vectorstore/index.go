package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Hit is a single similarity search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Index is a similarity index over one collection of vectors.
type Index interface {
	Ensure(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error
	Delete(ctx context.Context, ids ...string) error
	Search(ctx context.Context, vector []float32, limit int) ([]Hit, error)
	Close() error
}

// MemoryIndex is an in-process cosine index for single-node setups and tests.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]point
}

type point struct {
	vector  []float32
	norm    float64
	payload map[string]string
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]point)}
}

func (m *MemoryIndex) Ensure(context.Context, int) error { return nil }

func (m *MemoryIndex) Upsert(_ context.Context, id string, vector []float32, payload map[string]string) error {
	v := make([]float32, len(vector))
	copy(v, vector)
	p := make(map[string]string, len(payload))
	for k, val := range payload {
		p[k] = val
	}
	m.mu.Lock()
	m.points[id] = point{vector: v, norm: norm(v), payload: p}
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.points, id)
	}
	m.mu.Unlock()
	return nil
}

// Search ranks every point by cosine similarity. Points whose dimension
// differs from the query are skipped.
func (m *MemoryIndex) Search(_ context.Context, vector []float32, limit int) ([]Hit, error) {
	qn := norm(vector)
	if qn == 0 || limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.points))
	for id, p := range m.points {
		if len(p.vector) != len(vector) || p.norm == 0 {
			continue
		}
		var dot float64
		for i := range vector {
			dot += float64(vector[i]) * float64(p.vector[i])
		}
		hits = append(hits, Hit{ID: id, Score: float32(dot / (qn * p.norm)), Payload: p.payload})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len reports how many points are indexed.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *MemoryIndex) Close() error { return nil }

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
