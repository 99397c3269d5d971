package sinks

import (
	"context"
	"sync"

	"github.com/caplake/caplake/internal/events"
)

// RingSink keeps the most recent events in a fixed-size ring so the API
// can serve them without touching the store.
type RingSink struct {
	mu      sync.RWMutex
	entries []events.Event
	next    int
	full    bool
}

// NewRingSink creates a ring holding up to capacity events.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingSink{entries: make([]events.Event, capacity)}
}

// Consume appends the batch, overwriting the oldest entries once full.
func (s *RingSink) Consume(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.entries[s.next] = evt
		s.next++
		if s.next == len(s.entries) {
			s.next = 0
			s.full = true
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *RingSink) Close(context.Context) error {
	return nil
}

// Snapshot returns the retained events, newest first.
func (s *RingSink) Snapshot() []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.entries)
	}
	out := make([]events.Event, 0, size)
	for i := 1; i <= size; i++ {
		idx := s.next - i
		if idx < 0 {
			idx += len(s.entries)
		}
		out = append(out, s.entries[idx])
	}
	return out
}
