package capture

import (
	"errors"
	"fmt"
)

// ErrBusy signals that a lifecycle stop was refused because captures are
// still ongoing.
var ErrBusy = errors.New("captures ongoing")

// ErrStartupTimeout signals that the managed backend did not become
// healthy within the configured window.
var ErrStartupTimeout = errors.New("backend startup timed out")

// ErrStoreUnavailable wraps transient store connectivity failures.
// Callers test for it with errors.Is and retry with backoff.
var ErrStoreUnavailable = errors.New("job store unavailable")

// ErrNotFound signals that the requested job does not exist.
var ErrNotFound = errors.New("job not found")

// EngineError reports a capture failure inside the browser engine. It is
// an ordinary per-job outcome: callers record it as a failure result and
// keep running.
type EngineError struct {
	URL    string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("engine: %s: %s", e.URL, e.Detail)
	}
	return fmt.Sprintf("engine: %s: %v", e.URL, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps a browser-level failure for the given URL.
func NewEngineError(url string, err error) *EngineError {
	return &EngineError{URL: url, Err: err}
}
