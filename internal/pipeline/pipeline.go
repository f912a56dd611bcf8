// Package pipeline orchestrates generation jobs end to end: it acquires the
// model and a pooled sequence from the registry, optionally builds retrieval
// context, assembles the prompt under a token budget, applies output
// constraints, runs the generation synchronously or streamed, and releases
// everything in order. It is the single facade workflows talk to.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
	"github.com/Crewdle/mist-connector-llamacpp/internal/index"
	"github.com/Crewdle/mist-connector-llamacpp/internal/prompt"
	"github.com/Crewdle/mist-connector-llamacpp/internal/registry"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// Defaults applied when the corresponding Config or JobParams fields are
// unset.
const (
	defaultMaxTokens       = 512
	defaultTemperature     = 0.8
	defaultMaxContents     = 3
	defaultMaxChunksPerHit = 3
)

// Config encapsulates all tunables for Pipeline construction.
type Config struct {
	Registry *registry.Registry
	// Index provides retrieval context; nil disables retrieval.
	Index  *index.Index
	Logger zerolog.Logger
	// ModelPaths resolves model ids to weight paths for registrations that
	// omit a path, typically from registry.ScanDir.
	ModelPaths map[string]string
	// Instructions used when a job supplies none.
	Instructions string
	// Generation defaults, overridable per job.
	MaxTokens   int
	Temperature float64
	// Retrieval defaults, overridable per job.
	MaxContents     int
	MaxChunksPerHit int
}

// Pipeline runs generation jobs against registered models.
type Pipeline struct {
	reg        *registry.Registry
	idx        *index.Index
	log        zerolog.Logger
	modelPaths map[string]string

	instructions    string
	maxTokens       int
	temperature     float64
	maxContents     int
	maxChunksPerHit int
}

// NewWithConfig constructs a Pipeline from Config, applying defaults.
func NewWithConfig(cfg Config) *Pipeline {
	p := &Pipeline{
		reg:             cfg.Registry,
		idx:             cfg.Index,
		log:             cfg.Logger.With().Str("component", "pipeline").Logger(),
		modelPaths:      cfg.ModelPaths,
		instructions:    cfg.Instructions,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		maxContents:     cfg.MaxContents,
		maxChunksPerHit: cfg.MaxChunksPerHit,
	}
	if p.instructions == "" {
		p.instructions = prompt.DefaultInstructions
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultMaxTokens
	}
	if p.temperature <= 0 {
		p.temperature = defaultTemperature
	}
	if p.maxContents <= 0 {
		p.maxContents = defaultMaxContents
	}
	if p.maxChunksPerHit <= 0 {
		p.maxChunksPerHit = defaultMaxChunksPerHit
	}
	return p
}

// Register binds workflowID to every model in models. Specs without a path
// are resolved against the scanned models directory by id.
func (p *Pipeline) Register(ctx context.Context, workflowID string, models map[string]types.ModelSpec) error {
	for id, spec := range models {
		if spec.Path == "" {
			resolved, ok := p.modelPaths[id]
			if !ok {
				return ErrModelNotInitialized(id)
			}
			spec.Path = resolved
		}
		if err := p.reg.Register(ctx, workflowID, id, spec.Path, spec.Modality); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
	}
	return nil
}

// Release drops every model reference held by workflowID.
func (p *Pipeline) Release(workflowID string) { p.reg.Release(workflowID) }

// AddDocument indexes content under name for retrieval.
func (p *Pipeline) AddDocument(ctx context.Context, name, content string) error {
	if p.idx == nil {
		return ErrUnsupportedOperation("document indexing is not configured")
	}
	return p.idx.AddDocument(ctx, name, content)
}

// RemoveDocument drops a previously indexed document.
func (p *Pipeline) RemoveDocument(name string) error {
	if p.idx == nil {
		return ErrUnsupportedOperation("document indexing is not configured")
	}
	return p.idx.RemoveDocument(name)
}

// Status reports the registry's view of every model.
func (p *Pipeline) Status() []types.ModelStatus { return p.reg.Status() }

// Documents lists indexed document names.
func (p *Pipeline) Documents() []string {
	if p.idx == nil {
		return nil
	}
	return p.idx.Documents()
}

// ChunkCount reports the number of indexed chunks.
func (p *Pipeline) ChunkCount() int {
	if p.idx == nil {
		return 0
	}
	return p.idx.ChunkCount()
}

// Run executes one job to completion. Text models return generated output,
// vector models the embedding of the prompt; both report token counts
// attributable to this job.
func (p *Pipeline) Run(ctx context.Context, modelID string, params types.JobParams) (types.JobResult, error) {
	jobID := uuid.NewString()
	log := p.log.With().Str("job", jobID).Str("model", modelID).Logger()
	modality, err := p.modality(modelID)
	if err != nil {
		return types.JobResult{}, err
	}
	var result types.JobResult
	switch modality {
	case types.ModalityText:
		result, err = p.runText(ctx, log, modelID, params)
	case types.ModalityVector:
		result, err = p.runVector(ctx, log, modelID, params)
	default:
		err = fmt.Errorf("unknown modality %q", modality)
	}
	observeJob(string(modality), err, result.InputTokens, result.OutputTokens)
	if err != nil {
		log.Warn().Err(err).Msg("job failed")
		return types.JobResult{}, err
	}
	log.Info().Int("input_tokens", result.InputTokens).Int("output_tokens", result.OutputTokens).Msg("job done")
	return result, nil
}

// Stream executes one text job, delivering output incrementally. The
// modality check happens before any engine work, so streaming a vector model
// fails fast with ErrUnsupportedOperation.
func (p *Pipeline) Stream(ctx context.Context, modelID string, params types.JobParams) (*Stream, error) {
	modality, err := p.modality(modelID)
	if err != nil {
		return nil, err
	}
	if modality != types.ModalityText {
		return nil, ErrUnsupportedOperation("streaming requires a text model, got " + string(modality))
	}
	jobID := uuid.NewString()
	log := p.log.With().Str("job", jobID).Str("model", modelID).Logger()
	genCtx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	go func() {
		defer s.Close()
		usage, err := p.streamText(genCtx, log, modelID, params, s)
		observeJob(string(types.ModalityText), err, usage.InputTokens, usage.OutputTokens)
		if err != nil {
			log.Warn().Err(err).Msg("streamed job failed")
		} else {
			log.Info().Int("input_tokens", usage.InputTokens).Int("output_tokens", usage.OutputTokens).Msg("streamed job done")
		}
		s.finish(genCtx, usage, err)
	}()
	return s, nil
}

// modality resolves the model's modality, mapping registry absence to the
// pipeline's not-initialized error.
func (p *Pipeline) modality(modelID string) (types.Modality, error) {
	modality, err := p.reg.Modality(modelID)
	if err != nil {
		if registry.IsModelNotRegistered(err) {
			return "", ErrModelNotInitialized(modelID)
		}
		return "", err
	}
	return modality, nil
}

func (p *Pipeline) runVector(ctx context.Context, log zerolog.Logger, modelID string, params types.JobParams) (types.JobResult, error) {
	ec, err := p.reg.EmbeddingContext(ctx, modelID)
	if err != nil {
		return types.JobResult{}, err
	}
	vec, err := ec.Embed(ctx, params.Prompt)
	if err != nil {
		return types.JobResult{}, fmt.Errorf("embed: %w", err)
	}
	handle, err := p.reg.AcquireHandle(ctx, modelID)
	if err != nil {
		return types.JobResult{}, err
	}
	tokens, err := handle.Tokenize(params.Prompt)
	if err != nil {
		return types.JobResult{}, fmt.Errorf("tokenize: %w", err)
	}
	log.Debug().Int("dimensions", len(vec)).Msg("embedding produced")
	return types.JobResult{Embedding: vec, InputTokens: len(tokens)}, nil
}

func (p *Pipeline) runText(ctx context.Context, log zerolog.Logger, modelID string, params types.JobParams) (types.JobResult, error) {
	job, guard, err := p.prepareText(ctx, log, modelID, params)
	if err != nil {
		return types.JobResult{}, err
	}
	defer guard.release()

	pre := job.lease.Sequence.Usage()
	text := job.assembled
	output := ""
	if params.Reasoning {
		wrapped, finalPrompt, err := reason(ctx, job.session, job.assembled, job.opts)
		if err != nil {
			return types.JobResult{}, fmt.Errorf("reasoning pass: %w", err)
		}
		output = wrapped
		text = finalPrompt
	}
	answer, err := job.session.Prompt(ctx, text, job.opts)
	if err != nil {
		return types.JobResult{}, fmt.Errorf("generate: %w", err)
	}
	output += answer
	post := job.lease.Sequence.Usage()
	return types.JobResult{
		Output:       output,
		InputTokens:  post.InputTokens - pre.InputTokens,
		OutputTokens: post.OutputTokens - pre.OutputTokens,
	}, nil
}

func (p *Pipeline) streamText(ctx context.Context, log zerolog.Logger, modelID string, params types.JobParams, s *Stream) (types.JobResult, error) {
	job, guard, err := p.prepareText(ctx, log, modelID, params)
	if err != nil {
		return types.JobResult{}, err
	}
	defer guard.release()

	pre := job.lease.Sequence.Usage()
	text := job.assembled
	if params.Reasoning {
		wrapped, finalPrompt, err := reason(ctx, job.session, job.assembled, job.opts)
		if err != nil {
			return types.JobResult{}, fmt.Errorf("reasoning pass: %w", err)
		}
		s.send(ctx, types.StreamChunk{Text: wrapped})
		text = finalPrompt
	}
	err = job.session.PromptStream(ctx, text, job.opts, func(piece string) {
		s.send(ctx, types.StreamChunk{Text: piece})
	})
	post := job.lease.Sequence.Usage()
	usage := types.JobResult{
		InputTokens:  post.InputTokens - pre.InputTokens,
		OutputTokens: post.OutputTokens - pre.OutputTokens,
	}
	if err != nil {
		return usage, fmt.Errorf("generate: %w", err)
	}
	return usage, nil
}

// textJob carries the per-job state shared by sync and streamed runs.
type textJob struct {
	lease     *registry.SequenceLease
	session   engine.Session
	assembled string
	opts      engine.PromptOptions
}

// prepareText walks the front half of the job state machine: acquire a
// sequence lease, open a session, build retrieval context, assemble the
// prompt under the model's history token budget, and resolve output
// constraints. On success the returned guard owns session and lease disposal;
// on error everything acquired so far is already released.
func (p *Pipeline) prepareText(ctx context.Context, log zerolog.Logger, modelID string, params types.JobParams) (*textJob, *resourceGuard, error) {
	lease, err := p.reg.AcquireSequence(ctx, modelID)
	if err != nil {
		if registry.IsModelNotRegistered(err) {
			return nil, nil, ErrModelNotInitialized(modelID)
		}
		return nil, nil, err
	}
	guard := newResourceGuard(log)
	guard.push("sequence", func() error {
		lease.Release()
		return nil
	})

	handle, err := p.reg.AcquireHandle(ctx, modelID)
	if err != nil {
		guard.release()
		return nil, nil, err
	}

	session, err := lease.Sequence.NewSession(engine.SessionOptions{})
	if err != nil {
		guard.release()
		return nil, nil, fmt.Errorf("new session: %w", err)
	}
	guard.push("session", session.Close)

	ragContext := ""
	if params.UseRetrieval {
		if p.idx == nil {
			guard.release()
			return nil, nil, ErrUnsupportedOperation("retrieval requested but no index is configured")
		}
		maxContents := params.Retrieval.MaxContents
		if maxContents <= 0 {
			maxContents = p.maxContents
		}
		maxChunks := params.Retrieval.MaxChunksPerHit
		if maxChunks <= 0 {
			maxChunks = p.maxChunksPerHit
		}
		ragContext, err = p.idx.Retrieve(ctx, params.Prompt, maxContents, maxChunks, params.Retrieval.MinScore, params.Retrieval.Offset)
		if err != nil {
			guard.release()
			return nil, nil, fmt.Errorf("retrieve: %w", err)
		}
		log.Debug().Int("context_chars", len(ragContext)).Msg("retrieval context built")
	}

	instructions := params.Instructions
	if instructions == "" {
		instructions = p.instructions
	}
	assembled, err := prompt.Assemble(prompt.Params{
		Instructions: instructions,
		Context:      ragContext,
		History:      params.History,
		Message:      params.Prompt,
		TokenBudget:  prompt.HistoryBudget(handle.TrainContextSize()),
		CountTokens: func(text string) (int, error) {
			tokens, err := handle.Tokenize(text)
			return len(tokens), err
		},
	})
	if err != nil {
		guard.release()
		return nil, nil, fmt.Errorf("assemble prompt: %w", err)
	}

	grammar, funcs, err := buildConstraint(p.reg.Engine(), params)
	if err != nil {
		guard.release()
		return nil, nil, err
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	temperature := params.Temperature
	if temperature <= 0 {
		temperature = p.temperature
	}
	return &textJob{
		lease:     lease,
		session:   session,
		assembled: assembled,
		opts: engine.PromptOptions{
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Grammar:     grammar,
			Functions:   funcs,
		},
	}, guard, nil
}
