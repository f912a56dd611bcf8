// Package index stores chunked document content and delegates similarity
// search to a VectorIndex, producing retrieval context for prompts.
package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
)

const (
	defaultChunkSize      = 500
	defaultQueryCacheSize = 256
)

// Embedder hands out the live embedding context. Satisfied by
// *registry.Registry.
type Embedder interface {
	EmbeddingContext(ctx context.Context, modelID string) (engine.EmbeddingContext, error)
}

// document marks a contiguous run of chunks belonging to one named content
// unit.
type document struct {
	name   string
	start  int
	length int
}

// Config tunes Index construction.
type Config struct {
	Embedder Embedder
	// Store is the vector index; nil installs an in-process MemoryIndex.
	Store  VectorIndex
	Logger zerolog.Logger
	// ChunkSize is the maximum chunk length in characters.
	ChunkSize int
	// QueryCacheSize bounds the query-embedding LRU cache.
	QueryCacheSize int
}

// Index is the chunked content store. All mutation keeps the chunk slice,
// the vector index, and the document ranges aligned on the same positions.
type Index struct {
	mu    sync.Mutex
	emb   Embedder
	store VectorIndex
	log   zerolog.Logger

	chunkSize  int
	chunks     []string
	docs       []document
	queryCache *lru.Cache[string, []float32]
}

// NewWithConfig constructs an Index from Config, applying defaults.
func NewWithConfig(cfg Config) (*Index, error) {
	size := cfg.QueryCacheSize
	if size <= 0 {
		size = defaultQueryCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryIndex()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Index{
		emb:        cfg.Embedder,
		store:      store,
		log:        cfg.Logger.With().Str("component", "index").Logger(),
		chunkSize:  chunkSize,
		queryCache: cache,
	}, nil
}

// AddDocument chunks and indexes content under name. An existing document
// with the same name is fully removed first (replace semantics). Chunks that
// fail embedding are skipped with a warning; they appear in neither the chunk
// sequence nor the vector index, so positions stay aligned.
func (i *Index) AddDocument(ctx context.Context, name, content string) error {
	ec, err := i.emb.EmbeddingContext(ctx, "")
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.removeLocked(name); err != nil {
		return err
	}
	pieces := SplitChunks(content, i.chunkSize)
	kept := make([]string, 0, len(pieces))
	vectors := make([][]float32, 0, len(pieces))
	for _, piece := range pieces {
		vec, err := ec.Embed(ctx, piece)
		if err != nil {
			chunksSkippedTotal.Inc()
			i.log.Warn().Err(err).Str("document", name).Msg("chunk embedding failed, skipping")
			continue
		}
		vectors = append(vectors, Normalize(vec))
		kept = append(kept, piece)
	}
	if err := i.store.Insert(vectors); err != nil {
		return fmt.Errorf("vector insert: %w", err)
	}
	i.docs = append(i.docs, document{name: name, start: len(i.chunks), length: len(kept)})
	i.chunks = append(i.chunks, kept...)
	documentsTotal.Inc()
	chunksIndexedTotal.Add(float64(len(kept)))
	i.log.Info().Str("document", name).Int("chunks", len(kept)).Int("skipped", len(pieces)-len(kept)).Msg("document indexed")
	return nil
}

// RemoveDocument removes name from the chunk sequence, the vector index, and
// the document table. Unknown names are a no-op.
func (i *Index) RemoveDocument(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removeLocked(name)
}

// removeLocked splices the document's chunk range out of both the vector
// index and the chunk slice, then shifts later document ranges down. The
// vector index is updated first so both sides always remove the same
// positional range.
func (i *Index) removeLocked(name string) error {
	pos := -1
	for d, doc := range i.docs {
		if doc.name == name {
			pos = d
			break
		}
	}
	if pos < 0 {
		return nil
	}
	doc := i.docs[pos]
	if doc.length > 0 {
		indices := make([]int, doc.length)
		for c := 0; c < doc.length; c++ {
			indices[c] = doc.start + c
		}
		if err := i.store.Remove(indices); err != nil {
			return fmt.Errorf("vector remove: %w", err)
		}
		i.chunks = append(i.chunks[:doc.start], i.chunks[doc.start+doc.length:]...)
	}
	i.docs = append(i.docs[:pos], i.docs[pos+1:]...)
	for d := range i.docs {
		if i.docs[d].start > doc.start {
			i.docs[d].start -= doc.length
		}
	}
	i.log.Info().Str("document", name).Int("chunks", doc.length).Msg("document removed")
	return nil
}

// Retrieve embeds query, asks the vector index for the top maxHits chunk
// positions, and expands each hit into a window of maxChunksPerHit chunks
// centered on it, clamped to the owning document and prefixed with its name.
// Windows are joined in hit-rank order.
func (i *Index) Retrieve(ctx context.Context, query string, maxHits, maxChunksPerHit int, minScore float64, offset int) (string, error) {
	if maxHits <= 0 {
		return "", nil
	}
	if maxChunksPerHit <= 0 {
		maxChunksPerHit = 1
	}
	vec, err := i.queryVector(ctx, query)
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	hits, err := i.store.Search(vec, maxHits, minScore, offset)
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}
	retrievalsTotal.Inc()
	windows := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.Index < 0 || hit.Index >= len(i.chunks) {
			continue
		}
		windows = append(windows, i.windowLocked(hit.Index, maxChunksPerHit))
	}
	return strings.Join(windows, "\n\n"), nil
}

// windowLocked renders a symmetric window of size chunks around center,
// clamped to the owning document's range.
func (i *Index) windowLocked(center, size int) string {
	lo, hi := 0, len(i.chunks)
	name := ""
	for _, doc := range i.docs {
		if center >= doc.start && center < doc.start+doc.length {
			lo, hi = doc.start, doc.start+doc.length
			name = doc.name
			break
		}
	}
	before := (size - 1) / 2
	start := center - before
	if start < lo {
		start = lo
	}
	end := start + size
	if end > hi {
		end = hi
		if end-size >= lo {
			start = end - size
		} else {
			start = lo
		}
	}
	text := strings.Join(i.chunks[start:end], " ")
	if name != "" {
		return name + ":\n" + text
	}
	return text
}

// queryVector embeds and normalizes query, memoized in an LRU cache.
func (i *Index) queryVector(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := i.queryCache.Get(query); ok {
		return vec, nil
	}
	ec, err := i.emb.EmbeddingContext(ctx, "")
	if err != nil {
		return nil, err
	}
	vec, err := ec.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec = Normalize(vec)
	i.queryCache.Add(query, vec)
	return vec, nil
}

// Documents lists indexed document names, sorted.
func (i *Index) Documents() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, 0, len(i.docs))
	for _, doc := range i.docs {
		names = append(names, doc.name)
	}
	sort.Strings(names)
	return names
}

// ChunkCount reports the number of indexed chunks.
func (i *Index) ChunkCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.chunks)
}
