package common

import "errors"

// Sentinel errors for control-plane operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Lookup errors.
	ErrNotFound = errors.New("not found")

	// Validation errors. Rejected before any mutation takes place.
	ErrValidation = errors.New("validation failed")

	// Allocation errors.
	ErrPoolExhausted = errors.New("address pool exhausted")
	ErrConflict      = errors.New("uniqueness conflict")

	// Codec errors.
	ErrConfigParse  = errors.New("config parse error")
	ErrConfigRender = errors.New("config render error")

	// Driver errors. When returned after a registry mutation has been
	// committed, the operation is a degraded success: the registry holds
	// the new state and the live driver config lags until the next sync.
	ErrDriverFailure = errors.New("driver command failed")

	// Interface lifecycle errors.
	ErrNotInitialized     = errors.New("interface not initialized")
	ErrAlreadyInitialized = errors.New("interface already initialized")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
