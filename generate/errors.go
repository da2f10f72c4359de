package generate

import "errors"

// TransientError wraps a failure that may succeed on retry (network, 429,
// upstream 5xx). The worker maps it to shouldRetry:true.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError wraps a failure that will not improve with retries (validation,
// auth, disabled generator). The worker maps it to a terminal failed status.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError marks err as permanent.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is permanent.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ErrDisabled is the sentinel for a configuration-gated generator; always
// wrapped as fatal.
var ErrDisabled = errors.New("generator is disabled")
