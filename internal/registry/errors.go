package registry

import (
	"errors"
	"fmt"
)

// modelNotRegisteredError signals a model id with no registry entry, mapped
// to 404 by the HTTP layer.
type modelNotRegisteredError struct{ id string }

func (e modelNotRegisteredError) Error() string { return "model not registered: " + e.id }

// ErrModelNotRegistered constructs a modelNotRegisteredError.
func ErrModelNotRegistered(id string) error { return modelNotRegisteredError{id: id} }

// IsModelNotRegistered reports whether err indicates an unknown model id,
// matching through any %w wrapping.
func IsModelNotRegistered(err error) bool {
	var target modelNotRegisteredError
	return errors.As(err, &target)
}

// embeddingNotInitializedError signals a vector operation issued before any
// vector model was registered.
type embeddingNotInitializedError struct{}

func (embeddingNotInitializedError) Error() string { return "embedding context not initialized" }

// ErrEmbeddingContextNotInitialized constructs an embeddingNotInitializedError.
func ErrEmbeddingContextNotInitialized() error { return embeddingNotInitializedError{} }

// IsEmbeddingContextNotInitialized reports whether err indicates a missing
// vector model, matching through any %w wrapping.
func IsEmbeddingContextNotInitialized(err error) bool {
	var target embeddingNotInitializedError
	return errors.As(err, &target)
}

// resourceLoadError wraps an engine load failure after the broken artifact
// was cleaned up. Never retried by the connector.
type resourceLoadError struct {
	path  string
	cause error
}

func (e resourceLoadError) Error() string {
	return fmt.Sprintf("loading model weights %s: %v", e.path, e.cause)
}

func (e resourceLoadError) Unwrap() error { return e.cause }

// ErrResourceLoadFailure constructs a resourceLoadError.
func ErrResourceLoadFailure(path string, cause error) error {
	return resourceLoadError{path: path, cause: cause}
}

// IsResourceLoadFailure reports whether err indicates failed weight loading,
// matching through any %w wrapping.
func IsResourceLoadFailure(err error) bool {
	var target resourceLoadError
	return errors.As(err, &target)
}

// tooBusyError signals sequence-capacity exhaustion for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// ErrTooBusy constructs a tooBusyError.
func ErrTooBusy(modelID string) error { return tooBusyError{modelID: modelID} }

// IsTooBusy reports whether err indicates backpressure (return 429),
// matching through any %w wrapping.
func IsTooBusy(err error) bool {
	var target tooBusyError
	return errors.As(err, &target)
}
