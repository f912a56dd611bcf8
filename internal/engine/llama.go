//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaEngine adapts go-llama.cpp to the Engine boundary. Built only with
// the 'llama' tag; default builds use the stub in llama_stub.go.
type llamaEngine struct {
	ctxSize int
	threads int
}

// NewLlamaEngine returns an Engine backed by in-process llama.cpp.
func NewLlamaEngine(ctxSize, threads int) Engine {
	return &llamaEngine{ctxSize: ctxSize, threads: threads}
}

func (e *llamaEngine) LoadModel(ctx context.Context, path string, opts ModelOptions) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := opts.ContextSize
	if size <= 0 {
		size = e.ctxSize
	}
	mo := []llama.ModelOption{llama.SetContext(size)}
	if opts.Embedding {
		mo = append(mo, llama.EnableEmbeddings)
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = e.threads
	}
	return &llamaModel{model: m, ctxSize: size, threads: threads}, nil
}

func (e *llamaEngine) BuiltinGrammar(name string) (Grammar, error) {
	src, err := BuiltinGrammarSource(name)
	if err != nil {
		return nil, err
	}
	return NewSourceGrammar(src), nil
}

func (e *llamaEngine) SchemaGrammar(schema []byte) (Grammar, error) {
	src, err := CompileSchemaSource(schema)
	if err != nil {
		return nil, err
	}
	return NewSourceGrammar(src), nil
}

// llamaModel owns the loaded weights. The binding exposes one implicit
// context per model, so generation calls are serialized on mu and the
// Context/Sequence layer only does bookkeeping.
type llamaModel struct {
	mu      sync.Mutex
	model   *llama.LLama
	ctxSize int
	threads int
}

func (m *llamaModel) NewContext(sequences int) (Context, error) {
	if m.model == nil {
		return nil, errors.New("llama model already closed")
	}
	if sequences <= 0 {
		sequences = 1
	}
	return &llamaContext{model: m, left: sequences}, nil
}

func (m *llamaModel) NewEmbeddingContext() (EmbeddingContext, error) {
	if m.model == nil {
		return nil, errors.New("llama model already closed")
	}
	return &llamaEmbeddingContext{model: m}, nil
}

func (m *llamaModel) Tokenize(text string) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, errors.New("llama model already closed")
	}
	_, tokens, err := m.model.TokenizeString(text, llama.SetTokens(m.ctxSize))
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (m *llamaModel) Detokenize(tokens []int32) (string, error) {
	// go-llama.cpp does not expose detokenization.
	return "", errors.New("detokenize not supported by this runtime")
}

func (m *llamaModel) TrainContextSize() int {
	// The binding does not expose n_ctx_train; the configured window is the
	// effective limit.
	return m.ctxSize
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

type llamaContext struct {
	mu    sync.Mutex
	model *llamaModel
	left  int
}

func (c *llamaContext) NewSequence() (Sequence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left <= 0 {
		return nil, errors.New("no sequences left in context")
	}
	c.left--
	return &llamaSequence{ctx: c}, nil
}

func (c *llamaContext) SequencesLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *llamaContext) Close() error { return nil }

type llamaSequence struct {
	mu    sync.Mutex
	ctx   *llamaContext
	usage Usage
}

func (s *llamaSequence) NewSession(opts SessionOptions) (Session, error) {
	return &llamaSession{seq: s, system: opts.SystemPrompt}, nil
}

func (s *llamaSequence) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *llamaSequence) addUsage(in, out int) {
	s.mu.Lock()
	s.usage.InputTokens += in
	s.usage.OutputTokens += out
	s.mu.Unlock()
}

func (s *llamaSequence) Close() error {
	s.ctx.mu.Lock()
	s.ctx.left++
	s.ctx.mu.Unlock()
	return nil
}

type llamaSession struct {
	seq    *llamaSequence
	system string
}

func (s *llamaSession) Prompt(ctx context.Context, text string, opts PromptOptions) (string, error) {
	return s.run(ctx, text, opts, nil)
}

func (s *llamaSession) PromptStream(ctx context.Context, text string, opts PromptOptions, onChunk func(string)) error {
	_, err := s.run(ctx, text, opts, onChunk)
	return err
}

func (s *llamaSession) run(ctx context.Context, text string, opts PromptOptions, onChunk func(string)) (string, error) {
	m := s.seq.ctx.model
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return "", errors.New("llama model already closed")
	}
	prompt := text
	if len(opts.Functions) > 0 {
		// llama.cpp has no native tool-call API; declare the functions in
		// the prompt the way llama.cpp chat templates do.
		var b strings.Builder
		b.WriteString("You may call these functions by responding with a JSON object {\"function\": name, \"arguments\": {...}}:\n")
		for _, fn := range opts.Functions {
			b.WriteString("- ")
			b.WriteString(fn.Name)
			if fn.Description != "" {
				b.WriteString(": ")
				b.WriteString(fn.Description)
			}
			if fn.Parameters != "" {
				b.WriteString(" parameters ")
				b.WriteString(fn.Parameters)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		b.WriteString(prompt)
		prompt = b.String()
	}
	if s.system != "" {
		prompt = s.system + "\n\n" + prompt
	}
	inTokens := 0
	if _, toks, err := m.model.TokenizeString(prompt, llama.SetTokens(m.ctxSize)); err == nil {
		inTokens = len(toks)
	}
	outTokens := 0
	m.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		outTokens++
		if onChunk != nil {
			onChunk(tok)
		}
		return true
	})
	defer m.model.SetTokenCallback(nil)

	out, err := m.model.Predict(prompt, predictOptions(opts, m.threads)...)
	s.seq.addUsage(inTokens, outTokens)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return out, nil
}

func (s *llamaSession) Close() error { return nil }

type llamaEmbeddingContext struct {
	model *llamaModel
}

func (e *llamaEmbeddingContext) Embed(ctx context.Context, text string) ([]float32, error) {
	m := e.model
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, errors.New("llama model already closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.model.Embeddings(text)
}

func (e *llamaEmbeddingContext) Close() error { return nil }

func predictOptions(opts PromptOptions, threads int) []llama.PredictOption {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if threads <= 0 {
		threads = 4
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTokens),
		llama.SetThreads(threads),
	}
	if opts.Temperature > 0 {
		po = append(po, llama.SetTemperature(float32(opts.Temperature)))
	}
	if opts.Grammar != nil {
		po = append(po, llama.SetGrammar(opts.Grammar.Spec()))
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}
	return po
}
