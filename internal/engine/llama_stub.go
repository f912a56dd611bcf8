//go:build !llama

package engine

import "context"

// This file provides a no-CGO stub for the llama engine, compiled when the
// 'llama' build tag is NOT set. Default builds and CI stay CGO-free; the stub
// refuses to load models instead of mocking behavior.

type llamaEngine struct {
	ctxSize int
	threads int
}

// NewLlamaEngine returns an Engine that fails fast without the 'llama' tag.
func NewLlamaEngine(ctxSize, threads int) Engine {
	return &llamaEngine{ctxSize: ctxSize, threads: threads}
}

func (e *llamaEngine) LoadModel(ctx context.Context, path string, opts ModelOptions) (Model, error) {
	return nil, ErrEngineUnavailable("llama support not built (missing 'llama' build tag)")
}

// Grammar compilation has no CGO dependency, so it works in stub builds too.

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
