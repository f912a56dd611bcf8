// Package registry owns the shared model handles and their derived execution
// contexts. It tracks which workflows reference which models, loads text
// handles lazily under a single-active-text-model policy, and disposes
// everything in order (sequence, context, handle) when the last reference or
// lease drains.
package registry

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultContextSize = 4096
	defaultSequences   = 4
)

// Config encapsulates all tunables for Registry construction.
type Config struct {
	Engine engine.Engine
	Logger zerolog.Logger
	// Publisher receives lifecycle events; nil installs a noop publisher.
	Publisher EventPublisher
	// ContextSize requested for loaded models.
	ContextSize int
	// Threads used for inference.
	Threads int
	// Sequences per pooled text context (concurrent jobs per model).
	Sequences int
}

// Registry is the process-wide model table. Explicitly constructed and
// injected; it holds no global state.
type Registry struct {
	mu   sync.Mutex
	eng  engine.Engine
	pool *ContextPool
	log  zerolog.Logger
	pub  EventPublisher

	ctxSize int
	threads int

	entries map[string]*entry
	// activeText is the model id owning the currently loaded text handle.
	// LLM weights dominate memory, so at most one text handle is live.
	activeText string
}

type entry struct {
	id        string
	path      string
	modality  types.Modality
	handle    engine.Model
	workflows map[string]struct{}
}

// NewWithConfig constructs a Registry from Config, applying defaults.
func NewWithConfig(cfg Config) *Registry {
	r := &Registry{
		eng:     cfg.Engine,
		log:     cfg.Logger.With().Str("component", "registry").Logger(),
		pub:     cfg.Publisher,
		ctxSize: cfg.ContextSize,
		threads: cfg.Threads,
		entries: make(map[string]*entry),
	}
	if r.pub == nil {
		r.pub = noopPublisher{}
	}
	if r.ctxSize <= 0 {
		r.ctxSize = defaultContextSize
	}
	seqs := cfg.Sequences
	if seqs <= 0 {
		seqs = defaultSequences
	}
	r.pool = newContextPool(seqs, r.log)
	return r
}

// Register adds workflowID to the reference set of modelID, creating the
// entry if absent. Idempotent. Text handles load lazily on first use. The
// first vector model loads eagerly so an embedding context exists before any
// retrieval; further vector models stay lazy so they do not evict the live
// embedding context.
func (r *Registry) Register(ctx context.Context, workflowID, modelID, path string, modality types.Modality) error {
	if _, err := types.ParseModality(string(modality)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[modelID]
	if e == nil {
		e = &entry{id: modelID, path: path, modality: modality, workflows: make(map[string]struct{})}
		r.entries[modelID] = e
		r.pub.Publish(Event{Name: "register", ModelID: modelID, Fields: map[string]any{"workflow": workflowID}})
	}
	e.workflows[workflowID] = struct{}{}
	r.log.Info().Str("workflow", workflowID).Str("model", modelID).Str("modality", string(modality)).Msg("model registered")
	if modality == types.ModalityVector && e.handle == nil && !r.vectorLoadedLocked() {
		if _, err := r.loadLocked(ctx, e); err != nil {
			return err
		}
		if _, err := r.pool.embeddingContext(e.id, e.handle); err != nil {
			return err
		}
	}
	return nil
}

// vectorLoadedLocked reports whether any vector model already holds a live
// handle, and therefore the embedding context.
func (r *Registry) vectorLoadedLocked() bool {
	for _, e := range r.entries {
		if e.modality == types.ModalityVector && e.handle != nil {
			return true
		}
	}
	return false
}

// AcquireHandle returns the loaded handle for modelID, loading it first when
// needed. Loading a text model evicts any other live text handle.
func (r *Registry) AcquireHandle(ctx context.Context, modelID string) (engine.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireHandleLocked(ctx, modelID)
}

func (r *Registry) acquireHandleLocked(ctx context.Context, modelID string) (engine.Model, error) {
	e := r.entries[modelID]
	if e == nil {
		return nil, ErrModelNotRegistered(modelID)
	}
	if e.handle != nil {
		return e.handle, nil
	}
	return r.loadLocked(ctx, e)
}

// loadLocked loads weights for e, evicting a conflicting text handle first.
// When the engine rejects the weights the on-disk artifact is removed so no
// broken file lingers; a missing runtime or a cancelled load says nothing
// about the artifact, so those keep it.
func (r *Registry) loadLocked(ctx context.Context, e *entry) (engine.Model, error) {
	if e.modality == types.ModalityText && r.activeText != "" && r.activeText != e.id {
		r.evictTextLocked(r.activeText)
	}
	handle, err := r.eng.LoadModel(ctx, e.path, engine.ModelOptions{
		ContextSize: r.ctxSize,
		Threads:     r.threads,
		Embedding:   e.modality == types.ModalityVector,
	})
	if err != nil {
		loadFailuresTotal.Inc()
		if !engine.IsEngineUnavailable(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			if rmErr := os.Remove(e.path); rmErr != nil && !os.IsNotExist(rmErr) {
				r.log.Warn().Err(rmErr).Str("path", e.path).Msg("could not remove broken model artifact")
			}
		}
		r.pub.Publish(Event{Name: "load_failed", ModelID: e.id, Fields: map[string]any{"error": err.Error()}})
		return nil, ErrResourceLoadFailure(e.path, err)
	}
	e.handle = handle
	if e.modality == types.ModalityText {
		r.activeText = e.id
	}
	loadsTotal.Inc()
	handlesLive.Inc()
	r.pub.Publish(Event{Name: "load", ModelID: e.id, Fields: map[string]any{"path": e.path}})
	r.log.Info().Str("model", e.id).Str("path", e.path).Msg("model loaded")
	return handle, nil
}

// evictTextLocked retires the live text handle for modelID: its pooled
// context is invalidated first and the handle closes once the context (and
// any outstanding leases) drain.
func (r *Registry) evictTextLocked(modelID string) {
	e := r.entries[modelID]
	if e == nil || e.handle == nil {
		return
	}
	handle := e.handle
	e.handle = nil
	r.activeText = ""
	evictionsTotal.Inc()
	r.pub.Publish(Event{Name: "evict", ModelID: modelID, Fields: map[string]any{}})
	r.log.Info().Str("model", modelID).Msg("text handle evicted")
	r.pool.invalidate(modelID, func() {
		_ = handle.Close()
		handlesLive.Dec()
	})
}

// AcquireSequence leases a generation sequence for modelID, loading the
// handle and creating the pooled context as needed.
func (r *Registry) AcquireSequence(ctx context.Context, modelID string) (*SequenceLease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := r.acquireHandleLocked(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return r.pool.acquireSequence(modelID, handle, r)
}

// EmbeddingContext returns the live embedding context. With an empty modelID
// the registered vector model is used; without one the call fails with
// ErrEmbeddingContextNotInitialized.
func (r *Registry) EmbeddingContext(ctx context.Context, modelID string) (engine.EmbeddingContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var e *entry
	if modelID == "" {
		for _, id := range r.sortedIDsLocked() {
			if cand := r.entries[id]; cand.modality == types.ModalityVector {
				e = cand
				break
			}
		}
		if e == nil {
			return nil, ErrEmbeddingContextNotInitialized()
		}
	} else {
		e = r.entries[modelID]
		if e == nil {
			return nil, ErrModelNotRegistered(modelID)
		}
		if e.modality != types.ModalityVector {
			return nil, ErrEmbeddingContextNotInitialized()
		}
	}
	if e.handle == nil {
		if _, err := r.loadLocked(ctx, e); err != nil {
			return nil, err
		}
	}
	return r.pool.embeddingContext(e.id, e.handle)
}

// Modality reports the declared modality of modelID.
func (r *Registry) Modality(modelID string) (types.Modality, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[modelID]
	if e == nil {
		return "", ErrModelNotRegistered(modelID)
	}
	return e.modality, nil
}

// Release removes workflowID from every entry. Entries whose reference set
// drains dispose their contexts, then their handle, then disappear.
// Idempotent; releasing an unknown workflow is a no-op.
func (r *Registry) Release(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if _, ok := e.workflows[workflowID]; !ok {
			continue
		}
		delete(e.workflows, workflowID)
		if len(e.workflows) > 0 {
			continue
		}
		r.pool.dropEmbedding(id)
		if e.handle != nil {
			handle := e.handle
			e.handle = nil
			if r.activeText == id {
				r.activeText = ""
			}
			r.pool.invalidate(id, func() {
				_ = handle.Close()
				handlesLive.Dec()
			})
		} else {
			r.pool.invalidate(id, nil)
		}
		delete(r.entries, id)
		r.pub.Publish(Event{Name: "release", ModelID: id, Fields: map[string]any{"workflow": workflowID}})
		r.log.Info().Str("workflow", workflowID).Str("model", id).Msg("model released")
	}
}

// Status returns a read-only projection of every entry, sorted by id.
func (r *Registry) Status() []types.ModelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ModelStatus, 0, len(r.entries))
	for _, id := range r.sortedIDsLocked() {
		e := r.entries[id]
		workflows := make([]string, 0, len(e.workflows))
		for w := range e.workflows {
			workflows = append(workflows, w)
		}
		sort.Strings(workflows)
		out = append(out, types.ModelStatus{
			ID:              id,
			Modality:        e.modality,
			Loaded:          e.handle != nil,
			Workflows:       workflows,
			ActiveSequences: r.pool.activeLeases(id),
		})
	}
	return out
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Engine exposes the underlying engine, e.g. for grammar compilation.
func (r *Registry) Engine() engine.Engine { return r.eng }
