package types

// RegisterRequest is the payload of PUT /workflows/{id}.
type RegisterRequest struct {
	// Models keyed by model id.
	Models map[string]ModelSpec `json:"models"`
}

// DocumentRequest is the payload of PUT /documents/{name}.
type DocumentRequest struct {
	Content string `json:"content"`
}

// JobRequest is the payload of POST /jobs.
type JobRequest struct {
	// Model id the job runs against.
	Model string `json:"model"`
	// If true, stream results as NDJSON chunks.
	Stream bool `json:"stream,omitempty"`
	JobParams
}

// StreamChunk is one NDJSON line of a streamed job.
type StreamChunk struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
	// Final token accounting, present on the done line.
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not registered: mistral-7b
	Error string `json:"error"`
	// HTTP status code.
	// example: 404
	Code int `json:"code"`
}

// ModelStatus summarizes one registry entry for /status.
type ModelStatus struct {
	// Model id.
	ID string `json:"id"`
	// Output modality.
	Modality Modality `json:"modality"`
	// Whether the engine handle is currently loaded.
	Loaded bool `json:"loaded"`
	// Workflow ids referencing this model.
	Workflows []string `json:"workflows"`
	// Sequences currently leased from the pooled context.
	ActiveSequences int `json:"active_sequences"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Models []ModelStatus `json:"models"`
	// Documents currently indexed.
	Documents []string `json:"documents"`
	// Chunks currently indexed.
	ChunkCount int `json:"chunk_count"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}
