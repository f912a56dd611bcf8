package pipeline

import "errors"

// modelNotInitializedError signals a job issued against a model id with no
// live registry entry, e.g. after its last workflow released it.
type modelNotInitializedError struct{ id string }

func (e modelNotInitializedError) Error() string { return "model not initialized: " + e.id }

// ErrModelNotInitialized constructs a modelNotInitializedError.
func ErrModelNotInitialized(id string) error { return modelNotInitializedError{id: id} }

// IsModelNotInitialized reports whether err indicates a job against a model
// that is not (or no longer) registered, matching through any %w wrapping.
func IsModelNotInitialized(err error) bool {
	var target modelNotInitializedError
	return errors.As(err, &target)
}

// unsupportedOperationError signals a caller error such as streaming a
// vector-modality model.
type unsupportedOperationError struct{ msg string }

func (e unsupportedOperationError) Error() string { return "unsupported operation: " + e.msg }

// ErrUnsupportedOperation constructs an unsupportedOperationError.
func ErrUnsupportedOperation(msg string) error { return unsupportedOperationError{msg: msg} }

// IsUnsupportedOperation reports whether err indicates a caller error,
// matching through any %w wrapping.
func IsUnsupportedOperation(err error) bool {
	var target unsupportedOperationError
	return errors.As(err, &target)
}
