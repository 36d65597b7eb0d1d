package queue

import "errors"

// Handlers report one of three outcomes: success (nil), retryable failure
// (any plain error), or fatal failure (an error wrapped by Fatal). The queue
// uses the classification to decide between re-enqueue and terminal failure,
// instead of handlers throwing special control-flow errors.

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks an error as non-retryable: remaining attempts are
// short-circuited and the job is recorded as failed.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether the error carries the non-retryable mark.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
