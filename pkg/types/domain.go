package types

import "fmt"

// Modality declares what a model produces.
type Modality string

const (
	// ModalityText marks chat/completion models.
	ModalityText Modality = "text"
	// ModalityVector marks embedding models.
	ModalityVector Modality = "vector"
)

// ParseModality validates a modality string coming from config or API input.
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityText:
		return ModalityText, nil
	case ModalityVector:
		return ModalityVector, nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// ModelSpec describes a model a workflow wants access to.
type ModelSpec struct {
	// Absolute path to the model weights on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path"`
	// Output modality: "text" or "vector".
	// example: text
	Modality Modality `json:"modality"`
}

// ChatRole identifies the author of a conversation turn.
type ChatRole string

const (
	RoleHuman ChatRole = "human"
	RoleAI    ChatRole = "ai"
)

// ChatTurn is one turn of conversation history, ordered oldest to newest.
type ChatTurn struct {
	Role    ChatRole `json:"role"`
	Message string   `json:"message"`
}

// ConstraintKind selects the output constraint applied to a generation.
type ConstraintKind string

const (
	// ConstraintNone leaves the output unconstrained.
	ConstraintNone ConstraintKind = ""
	// ConstraintJSON forces well-formed JSON object output.
	ConstraintJSON ConstraintKind = "json"
	// ConstraintJSONArray forces a JSON array output.
	ConstraintJSONArray ConstraintKind = "json_array"
	// ConstraintBoolean forces a {"result": true|false} object, used for
	// conditional branching.
	ConstraintBoolean ConstraintKind = "boolean"
	// ConstraintSchema compiles a caller-supplied JSON schema to a grammar.
	ConstraintSchema ConstraintKind = "schema"
)

// FunctionDef names a callable function exposed to the model. At most one of
// functions or a grammar constraint may be active per job.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// JSON schema of the function parameters.
	Parameters string `json:"parameters,omitempty"`
}

// RetrievalParams tunes the retrieval step of a job. Zero values fall back to
// the connector defaults.
type RetrievalParams struct {
	// Maximum number of retrieved contents (hits).
	MaxContents int `json:"max_contents,omitempty"`
	// Chunks included around each hit.
	MaxChunksPerHit int `json:"max_chunks_per_hit,omitempty"`
	// Minimum similarity score for a hit to qualify.
	MinScore float64 `json:"min_score,omitempty"`
	// Rank offset into the result list.
	Offset int `json:"offset,omitempty"`
}

// JobParams carries everything a single generation job needs.
type JobParams struct {
	// Prompt text (or embedding input for vector models).
	Prompt string `json:"prompt"`
	// Optional instructions overriding the configured default.
	Instructions string `json:"instructions,omitempty"`
	// Conversation history, oldest first. Never persisted by the connector.
	History []ChatTurn `json:"history,omitempty"`
	// Output constraint; mutually exclusive with Functions.
	Constraint ConstraintKind `json:"constraint,omitempty"`
	// Caller-supplied JSON schema, required when Constraint is "schema".
	Schema string `json:"schema,omitempty"`
	// Named functions the model may call; cleared when a grammar is selected.
	Functions []FunctionDef `json:"functions,omitempty"`
	// Generation overrides; zero means "use configured default".
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// Two-pass reasoning mode.
	Reasoning bool `json:"reasoning,omitempty"`
	// Enable retrieval-augmented context for this job.
	UseRetrieval bool            `json:"use_retrieval,omitempty"`
	Retrieval    RetrievalParams `json:"retrieval,omitempty"`
}

// JobResult is the outcome of a synchronous job.
type JobResult struct {
	// Generated text for text-modality jobs.
	Output string `json:"output,omitempty"`
	// Embedding vector for vector-modality jobs.
	Embedding []float32 `json:"embedding,omitempty"`
	// Token counts attributable to this job.
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
