package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
	"github.com/Crewdle/mist-connector-llamacpp/internal/pipeline"
	"github.com/Crewdle/mist-connector-llamacpp/internal/registry"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case registry.IsModelNotRegistered(err), pipeline.IsModelNotInitialized(err):
		return http.StatusNotFound
	case pipeline.IsUnsupportedOperation(err), registry.IsEmbeddingContextNotInitialized(err):
		return http.StatusBadRequest
	case registry.IsTooBusy(err):
		return http.StatusTooManyRequests
	case engine.IsEngineUnavailable(err), registry.IsResourceLoadFailure(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
