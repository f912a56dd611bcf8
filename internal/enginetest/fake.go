// Package enginetest provides an in-memory engine.Engine implementation used
// by tests across the connector. It is deterministic: tokenization splits on
// whitespace and embeddings are derived from byte sums.
package enginetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
)

// Engine is a fake inference engine.
type Engine struct {
	mu sync.Mutex

	// LoadErr, when set, makes every LoadModel call fail.
	LoadErr error
	// GenerateFn overrides the default echo response.
	GenerateFn func(prompt string, opts engine.PromptOptions) (string, error)
	// EmbedFn overrides the default deterministic embedding.
	EmbedFn func(text string) ([]float32, error)
	// Dim is the embedding dimension (default 8).
	Dim int

	loads   int
	models  []*Model
	prompts []string
	// Events records lifecycle calls in order, e.g. "session.close".
	Events []string
}

// New returns a fake engine.
func New() *Engine { return &Engine{} }

func (e *Engine) record(ev string) {
	e.mu.Lock()
	e.Events = append(e.Events, ev)
	e.mu.Unlock()
}

// Loads reports how many successful model loads happened.
func (e *Engine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Models returns every model handed out, in load order.
func (e *Engine) Models() []*Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Model, len(e.models))
	copy(out, e.models)
	return out
}

// Prompts returns every prompt text seen by any session.
func (e *Engine) Prompts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.prompts))
	copy(out, e.prompts)
	return out
}

func (e *Engine) LoadModel(ctx context.Context, path string, opts engine.ModelOptions) (engine.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	e.loads++
	m := &Model{engine: e, Path: path, Opts: opts}
	e.models = append(e.models, m)
	return m, nil
}

func (e *Engine) BuiltinGrammar(name string) (engine.Grammar, error) {
	src, err := engine.BuiltinGrammarSource(name)
	if err != nil {
		return nil, err
	}
	return engine.NewSourceGrammar(src), nil
}

func (e *Engine) SchemaGrammar(schema []byte) (engine.Grammar, error) {
	src, err := engine.CompileSchemaSource(schema)
	if err != nil {
		return nil, err
	}
	return engine.NewSourceGrammar(src), nil
}

// Model is a fake loaded model.
type Model struct {
	engine *Engine
	Path   string
	Opts   engine.ModelOptions

	mu         sync.Mutex
	closed     bool
	CloseCount int
	// TrainCtx is the reported train context size (default 4096).
	TrainCtx int
}

func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Model) NewContext(sequences int) (engine.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("model closed")
	}
	if sequences <= 0 {
		sequences = 1
	}
	m.engine.record("context.new")
	return &Context{model: m, left: sequences}, nil
}

func (m *Model) NewEmbeddingContext() (engine.EmbeddingContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("model closed")
	}
	m.engine.record("embedctx.new")
	return &EmbeddingContext{model: m}, nil
}

func (m *Model) Tokenize(text string) ([]int32, error) {
	fields := strings.Fields(text)
	tokens := make([]int32, len(fields))
	for i := range fields {
		tokens[i] = int32(i)
	}
	return tokens, nil
}

func (m *Model) Detokenize(tokens []int32) (string, error) {
	return strings.Repeat("x ", len(tokens)), nil
}

func (m *Model) TrainContextSize() int {
	if m.TrainCtx > 0 {
		return m.TrainCtx
	}
	return 4096
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.CloseCount++
	m.engine.record("model.close")
	return nil
}

// Context is a fake execution context.
type Context struct {
	model *Model

	mu     sync.Mutex
	left   int
	closed bool
	Closes int
}

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) NewSequence() (engine.Sequence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("context closed")
	}
	if c.left <= 0 {
		return nil, errors.New("no sequences left")
	}
	c.left--
	c.model.engine.record("sequence.new")
	return &Sequence{ctx: c}, nil
}

func (c *Context) SequencesLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.Closes++
	c.model.engine.record("context.close")
	return nil
}

// Sequence is a fake generation stream with a token meter.
type Sequence struct {
	ctx *Context

	mu     sync.Mutex
	usage  engine.Usage
	closed bool
}

func (s *Sequence) NewSession(opts engine.SessionOptions) (engine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sequence closed")
	}
	s.ctx.model.engine.record("session.new")
	return &Session{seq: s, system: opts.SystemPrompt}, nil
}

func (s *Sequence) Usage() engine.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Sequence) Close() error {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !closed {
		s.ctx.mu.Lock()
		s.ctx.left++
		s.ctx.mu.Unlock()
	}
	s.ctx.model.engine.record("sequence.close")
	return nil
}

func (s *Sequence) addUsage(in, out int) {
	s.mu.Lock()
	s.usage.InputTokens += in
	s.usage.OutputTokens += out
	s.mu.Unlock()
}

// Session is a fake chat session.
type Session struct {
	seq    *Sequence
	system string
}

func (s *Session) generate(ctx context.Context, text string, opts engine.PromptOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e := s.seq.ctx.model.engine
	e.mu.Lock()
	e.prompts = append(e.prompts, text)
	fn := e.GenerateFn
	e.mu.Unlock()

	var out string
	if fn != nil {
		var err error
		out, err = fn(text, opts)
		if err != nil {
			return "", err
		}
	} else {
		out = "echo: " + firstWords(text, 4)
	}
	in, _ := s.seq.ctx.model.Tokenize(text)
	produced, _ := s.seq.ctx.model.Tokenize(out)
	s.seq.addUsage(len(in), len(produced))
	return out, nil
}

func (s *Session) Prompt(ctx context.Context, text string, opts engine.PromptOptions) (string, error) {
	return s.generate(ctx, text, opts)
}

func (s *Session) PromptStream(ctx context.Context, text string, opts engine.PromptOptions, onChunk func(string)) error {
	out, err := s.generate(ctx, text, opts)
	if err != nil {
		return err
	}
	for _, word := range strings.Fields(out) {
		if err := ctx.Err(); err != nil {
			return err
		}
		onChunk(word + " ")
	}
	return nil
}

func (s *Session) Close() error {
	s.seq.ctx.model.engine.record("session.close")
	return nil
}

// EmbeddingContext is a fake vector extractor.
type EmbeddingContext struct {
	model *Model

	mu     sync.Mutex
	closed bool
	Embeds int
}

func (e *EmbeddingContext) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.Embeds++
	e.mu.Unlock()
	if fn := e.model.engine.EmbedFn; fn != nil {
		return fn(text)
	}
	dim := e.model.engine.Dim
	if dim <= 0 {
		dim = 8
	}
	// Deterministic but text-sensitive: rotate byte sums through dimensions.
	vec := make([]float32, dim)
	for i, b := range []byte(text) {
		vec[i%dim] += float32(b)
	}
	return vec, nil
}

func (e *EmbeddingContext) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.model.engine.record("embedctx.close")
	return nil
}

func (e *EmbeddingContext) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
