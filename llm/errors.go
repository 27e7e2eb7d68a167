package llm

import "errors"

// Inference failures carry a retry classification so the stage retry
// controller can tell a rate limit from a bad API key. Errors without a
// classification are treated as retryable by the pipeline.

// TransientError marks a failure worth reattempting: rate limits, server
// errors, dropped connections.
type TransientError struct {
	cause error
}

// NewTransientError classifies err as retryable.
func NewTransientError(err error) error {
	return &TransientError{cause: err}
}

func (e *TransientError) Error() string { return e.cause.Error() }

func (e *TransientError) Unwrap() error { return e.cause }

// FatalError marks a failure no retry can clear: bad credentials, a
// malformed request, an unknown provider.
type FatalError struct {
	cause error
}

// NewFatalError classifies err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{cause: err}
}

func (e *FatalError) Error() string { return e.cause.Error() }

func (e *FatalError) Unwrap() error { return e.cause }

// IsTransient reports whether err carries the retryable classification
// anywhere in its chain.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err carries the non-retryable classification
// anywhere in its chain.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
