package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caplake/caplake/internal/capture"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		JobID: "job-1",
		TS:    time.Now().UTC(),
		Stage: stage,
		URL:   "https://example.com",
	}
	if stage == StageFinished || stage == StageReclaimed {
		evt.Status = capture.StatusSuccess
	}
	return evt
}

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageEnqueued)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageEnqueued))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubDropsInvalidEvents asserts events failing validation never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Stage: StageEnqueued})                            // missing job id
	hub.Emit(Event{JobID: "x", TS: time.Now(), Stage: "BOGUS"})      // unknown stage
	hub.Emit(Event{JobID: "x", TS: time.Now(), Stage: StageFinished}) // missing status

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.Batches())
}

// TestHubCloseFlushesAndClosesSinks verifies queued events are delivered on shutdown.
func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     16,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(sampleEvent(StageFinished))
	}
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	require.Equal(t, 5, total)
	require.True(t, sink.Closed())

	// Emit after close is a silent no-op.
	hub.Emit(sampleEvent(StageEnqueued))
}

// TestHubEmitNeverBlocks asserts a full buffer drops instead of blocking.
func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// No sink and a long timer keep the buffer from draining quickly.
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1000,
		MaxBatchWait:   time.Minute,
	})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Emit(sampleEvent(StageEnqueued))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked")
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(StageFinished)
	require.NoError(t, valid.Validate())

	missingStatus := valid
	missingStatus.Status = ""
	require.Error(t, missingStatus.Validate())

	negativeRuntime := valid
	negativeRuntime.Runtime = -1
	require.Error(t, negativeRuntime.Validate())

	require.NoError(t, sampleEvent(StageCancelRequested).Validate())
}
