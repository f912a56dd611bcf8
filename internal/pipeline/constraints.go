package pipeline

import (
	"fmt"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// booleanResultSchema is the fixed schema of the boolean constraint, used for
// conditional branching on model output.
const booleanResultSchema = `{"type":"object","properties":{"result":{"type":"boolean"}}}`

// buildConstraint resolves the job's output constraint. At most one of
// {functions, grammar} is active per call: selecting any grammar clears the
// function set.
func buildConstraint(eng engine.Engine, params types.JobParams) (engine.Grammar, []engine.FunctionDecl, error) {
	switch params.Constraint {
	case types.ConstraintNone:
		funcs := make([]engine.FunctionDecl, 0, len(params.Functions))
		for _, fn := range params.Functions {
			funcs = append(funcs, engine.FunctionDecl{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
		if len(funcs) == 0 {
			funcs = nil
		}
		return nil, funcs, nil
	case types.ConstraintJSON:
		g, err := eng.BuiltinGrammar("json")
		return g, nil, err
	case types.ConstraintJSONArray:
		g, err := eng.BuiltinGrammar("json_array")
		return g, nil, err
	case types.ConstraintBoolean:
		g, err := eng.SchemaGrammar([]byte(booleanResultSchema))
		return g, nil, err
	case types.ConstraintSchema:
		if params.Schema == "" {
			return nil, nil, ErrUnsupportedOperation("schema constraint without a schema")
		}
		g, err := eng.SchemaGrammar([]byte(params.Schema))
		return g, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown constraint %q", params.Constraint)
	}
}
