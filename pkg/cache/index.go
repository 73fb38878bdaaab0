package cache

import (
	"context"
	"math"
	"sync"
)

// Match is one nearest-neighbor result. Distance is cosine distance in
// [0, 2]: 0 means identical direction, 2 means opposite.
type Match struct {
	Key      string
	Distance float64
}

// VectorIndex is a flat nearest-neighbor index bucketed by task type.
// Inserts with an existing key replace the previous vector, so repeated
// stores of the same derived key stay idempotent.
type VectorIndex interface {
	Insert(ctx context.Context, bucket, key string, vector []float32) error
	Query(ctx context.Context, bucket string, vector []float32, topK int) ([]Match, error)
}

// MemoryIndex is an in-process VectorIndex doing exhaustive cosine search.
// Suitable for single-node deployments and tests; the Qdrant index covers
// the distributed case.
type MemoryIndex struct {
	mu      sync.RWMutex
	buckets map[string][]memPoint
}

type memPoint struct {
	key    string
	vector []float32
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{buckets: make(map[string][]memPoint)}
}

// Insert implements VectorIndex.
func (m *MemoryIndex) Insert(_ context.Context, bucket, key string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	points := m.buckets[bucket]
	for i := range points {
		if points[i].key == key {
			points[i].vector = vector
			return nil
		}
	}
	m.buckets[bucket] = append(points, memPoint{key: key, vector: vector})
	return nil
}

// Query implements VectorIndex. Results are the topK nearest points of the
// bucket ordered by ascending distance.
func (m *MemoryIndex) Query(_ context.Context, bucket string, vector []float32, topK int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for _, p := range m.buckets[bucket] {
		matches = append(matches, Match{Key: p.key, Distance: cosineDistance(vector, p.vector)})
	}

	// Insertion sort: buckets are small and topK is almost always 1
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Distance < matches[j-1].Distance; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// cosineDistance returns 1 - cos(a, b), in [0, 2]. Mismatched or zero
// vectors count as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
