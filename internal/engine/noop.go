package engine

import (
	"context"
	"errors"

	"github.com/caplake/caplake/internal/capture"
)

// Noop implements capture.Engine but always returns an error to indicate
// that no browser is available in the current build.
type Noop struct{}

// NewNoop creates a new Noop engine.
func NewNoop() *Noop {
	return &Noop{}
}

// Capture returns an error since this is a stub implementation.
func (Noop) Capture(_ context.Context, _ capture.Job) (capture.Page, error) {
	return capture.Page{}, errors.New("capture engine not configured")
}
