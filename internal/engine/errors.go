package engine

import "errors"

// engineUnavailableError signals that this binary was built without a real
// inference runtime (missing 'llama' build tag) so the HTTP layer can return
// 503 instead of 500.
type engineUnavailableError struct{ msg string }

func (e engineUnavailableError) Error() string { return e.msg }

// ErrEngineUnavailable constructs an engineUnavailableError.
func ErrEngineUnavailable(msg string) error { return engineUnavailableError{msg: msg} }

// IsEngineUnavailable reports whether err indicates a missing runtime,
// matching through any %w wrapping.
func IsEngineUnavailable(err error) bool {
	var target engineUnavailableError
	return errors.As(err, &target)
}
