package registry

import (
	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
)

// ContextPool keeps one multi-sequence execution context per model id and a
// single live embedding context process-wide. Jobs lease independent
// sequences from a pooled context; the context is disposed only when it has
// been invalidated (model evicted or released) and its last lease drained.
type ContextPool struct {
	// guarded by Registry.mu; the pool has no lock of its own.
	sequences int
	log       zerolog.Logger

	contexts map[string]*pooledContext
	draining []*pooledContext
	embed    *pooledEmbedding
}

type pooledContext struct {
	modelID string
	ctx     engine.Context
	leases  int
	stale   bool
	// onDrained runs after the context is disposed, in disposal order
	// (context before model handle).
	onDrained func()
}

type pooledEmbedding struct {
	modelID string
	ctx     engine.EmbeddingContext
}

func newContextPool(sequences int, log zerolog.Logger) *ContextPool {
	if sequences <= 0 {
		sequences = 1
	}
	return &ContextPool{
		sequences: sequences,
		log:       log,
		contexts:  make(map[string]*pooledContext),
	}
}

// SequenceLease is a leased sequence plus its return path. Release is
// idempotent and must be called on every exit path.
type SequenceLease struct {
	ModelID  string
	Sequence engine.Sequence

	reg      *Registry
	pc       *pooledContext
	released bool
}

// acquireSequence leases a sequence from the pooled context for modelID,
// creating the context on first use. Capacity exhaustion maps to ErrTooBusy.
func (p *ContextPool) acquireSequence(modelID string, handle engine.Model, reg *Registry) (*SequenceLease, error) {
	pc := p.contexts[modelID]
	if pc == nil {
		ctx, err := handle.NewContext(p.sequences)
		if err != nil {
			return nil, err
		}
		pc = &pooledContext{modelID: modelID, ctx: ctx}
		p.contexts[modelID] = pc
		p.log.Debug().Str("model", modelID).Int("sequences", p.sequences).Msg("context created")
	}
	seq, err := pc.ctx.NewSequence()
	if err != nil {
		if pc.ctx.SequencesLeft() <= 0 {
			return nil, ErrTooBusy(modelID)
		}
		return nil, err
	}
	pc.leases++
	return &SequenceLease{ModelID: modelID, Sequence: seq, reg: reg, pc: pc}, nil
}

// Release returns the sequence to the pool. When the owning context was
// invalidated while this lease was out, the last release disposes it.
func (l *SequenceLease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	_ = l.Sequence.Close()
	l.pc.leases--
	if l.pc.stale && l.pc.leases <= 0 {
		l.reg.pool.disposeContext(l.pc)
	}
}

// invalidate retires the pooled context for modelID. Contexts with leases
// still out are parked until the last lease drains; onDrained runs after the
// context is disposed either way.
func (p *ContextPool) invalidate(modelID string, onDrained func()) {
	pc := p.contexts[modelID]
	if pc == nil {
		if onDrained != nil {
			onDrained()
		}
		return
	}
	delete(p.contexts, modelID)
	pc.onDrained = onDrained
	if pc.leases > 0 {
		pc.stale = true
		p.draining = append(p.draining, pc)
		p.log.Debug().Str("model", modelID).Int("leases", pc.leases).Msg("context draining")
		return
	}
	p.disposeContext(pc)
}

func (p *ContextPool) disposeContext(pc *pooledContext) {
	_ = pc.ctx.Close()
	for i, d := range p.draining {
		if d == pc {
			p.draining = append(p.draining[:i], p.draining[i+1:]...)
			break
		}
	}
	p.log.Debug().Str("model", pc.modelID).Msg("context disposed")
	if pc.onDrained != nil {
		pc.onDrained()
		pc.onDrained = nil
	}
}

// embeddingContext returns the live embedding context for modelID, replacing
// any context keyed to a different model. Only one is kept process-wide.
func (p *ContextPool) embeddingContext(modelID string, handle engine.Model) (engine.EmbeddingContext, error) {
	if p.embed != nil && p.embed.modelID == modelID {
		return p.embed.ctx, nil
	}
	if p.embed != nil {
		_ = p.embed.ctx.Close()
		p.embed = nil
	}
	ctx, err := handle.NewEmbeddingContext()
	if err != nil {
		return nil, err
	}
	p.embed = &pooledEmbedding{modelID: modelID, ctx: ctx}
	return ctx, nil
}

// dropEmbedding disposes the live embedding context when it belongs to
// modelID.
func (p *ContextPool) dropEmbedding(modelID string) {
	if p.embed != nil && p.embed.modelID == modelID {
		_ = p.embed.ctx.Close()
		p.embed = nil
	}
}

// activeLeases reports leases out for modelID, for status reporting.
func (p *ContextPool) activeLeases(modelID string) int {
	if pc := p.contexts[modelID]; pc != nil {
		return pc.leases
	}
	return 0
}
