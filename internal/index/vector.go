package index

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Hit is one ranked result from a vector search.
type Hit struct {
	// Index into the flat chunk sequence.
	Index int
	// Score is the similarity of the hit, in [-1, 1] for normalized vectors.
	Score float64
}

// VectorIndex is the boundary to the similarity search engine. Vector slots
// are positional: inserting appends, removing splices, so indices always
// mirror the caller's flat chunk sequence.
type VectorIndex interface {
	Insert(vectors [][]float32) error
	Remove(indices []int) error
	Search(query []float32, topK int, minScore float64, offset int) ([]Hit, error)
}

// MemoryIndex is a brute-force in-process VectorIndex over normalized
// vectors. It keeps the daemon self-contained; a remote index can be swapped
// in behind the same interface.
type MemoryIndex struct {
	mu      sync.Mutex
	vectors [][]float32
}

func NewMemoryIndex() *MemoryIndex { return &MemoryIndex{} }

func (m *MemoryIndex) Insert(vectors [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = append(m.vectors, vectors...)
	return nil
}

// Remove splices the given positions out, shifting later vectors down.
func (m *MemoryIndex) Remove(indices []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(m.vectors) {
			return fmt.Errorf("vector index %d out of range [0,%d)", idx, len(m.vectors))
		}
		drop[idx] = struct{}{}
	}
	kept := m.vectors[:0]
	for i, v := range m.vectors {
		if _, gone := drop[i]; !gone {
			kept = append(kept, v)
		}
	}
	m.vectors = kept
	return nil
}

func (m *MemoryIndex) Search(query []float32, topK int, minScore float64, offset int) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topK <= 0 {
		return nil, nil
	}
	hits := make([]Hit, 0, len(m.vectors))
	for i, v := range m.vectors {
		score := dot(query, v)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{Index: i, Score: score})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if offset > 0 {
		if offset >= len(hits) {
			return nil, nil
		}
		hits = hits[offset:]
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Len reports the number of stored vectors.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize scales vec to unit L2 norm in place and returns it. Zero vectors
// are returned unchanged so callers never see NaN.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i, v := range vec {
		vec[i] = v * inv
	}
	return vec
}
