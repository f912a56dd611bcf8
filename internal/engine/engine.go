// Package engine defines the boundary to the inference runtime. The connector
// core only depends on these interfaces; the concrete llama.cpp adapter lives
// behind the 'llama' build tag so default builds and CI stay CGO-free.
package engine

import "context"

// ModelOptions configures a model load.
type ModelOptions struct {
	// Context window size requested from the runtime. Zero lets the runtime
	// use the model's trained size.
	ContextSize int
	// Threads used for inference. Zero lets the runtime decide.
	Threads int
	// Embedding marks the model as an embedding extractor.
	Embedding bool
}

// SessionOptions configures a chat session on a sequence.
type SessionOptions struct {
	// SystemPrompt seeds the session, if the runtime supports it.
	SystemPrompt string
}

// FunctionDecl declares a callable function exposed to the model.
type FunctionDecl struct {
	Name        string
	Description string
	// Parameters is a JSON schema of the function arguments.
	Parameters string
}

// PromptOptions configures a single generation call.
type PromptOptions struct {
	MaxTokens   int
	Temperature float64
	// Grammar constrains output when non-nil. Mutually exclusive with
	// Functions; callers enforce the exclusion.
	Grammar Grammar
	// Functions the model may call.
	Functions []FunctionDecl
	// Stop sequences terminating generation.
	Stop []string
}

// Usage is a cumulative token meter snapshot for a sequence.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Grammar is a compiled output constraint, opaque to the core.
type Grammar interface {
	// Spec returns the grammar source for logging.
	Spec() string
}

// Engine loads models and compiles grammars.
type Engine interface {
	// LoadModel loads weights from path. Fallible; callers own cleanup of
	// broken artifacts.
	LoadModel(ctx context.Context, path string, opts ModelOptions) (Model, error)
	// BuiltinGrammar returns a grammar shipped with the runtime, e.g. "json"
	// or "json_array".
	BuiltinGrammar(name string) (Grammar, error)
	// SchemaGrammar compiles a JSON schema into a grammar.
	SchemaGrammar(schema []byte) (Grammar, error)
}

// Model is a loaded set of weights.
type Model interface {
	// NewContext creates an execution context able to serve the given number
	// of independent sequences.
	NewContext(sequences int) (Context, error)
	// NewEmbeddingContext creates a context dedicated to vector extraction.
	NewEmbeddingContext() (EmbeddingContext, error)
	// Tokenize splits text into runtime tokens.
	Tokenize(text string) ([]int32, error)
	// Detokenize renders tokens back to text.
	Detokenize(tokens []int32) (string, error)
	// TrainContextSize is the context length the model was trained with.
	TrainContextSize() int
	Close() error
}

// Context is an execution context derived from a model. Sequences allocated
// from it share the weights and KV cache but keep isolated state.
type Context interface {
	NewSequence() (Sequence, error)
	// SequencesLeft reports how many more sequences can be allocated.
	SequencesLeft() int
	Close() error
}

// Sequence is an independent generation stream within a context.
type Sequence interface {
	NewSession(opts SessionOptions) (Session, error)
	// Usage returns the cumulative token meter for this sequence.
	Usage() Usage
	Close() error
}

// Session is a chat session bound to a sequence.
type Session interface {
	// Prompt runs one generation to completion.
	Prompt(ctx context.Context, text string, opts PromptOptions) (string, error)
	// PromptStream runs one generation, invoking onChunk for each emitted
	// piece of text. It returns after the final chunk or on error.
	PromptStream(ctx context.Context, text string, opts PromptOptions, onChunk func(string)) error
	Close() error
}

// EmbeddingContext extracts embedding vectors.
type EmbeddingContext interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}
