// Package memory provides an in-memory capture store for development
// and testing. It honors the same claim semantics as the Redis store:
// priority then FIFO ordering, capacity enforced at claim time.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caplake/caplake/internal/capture"
)

type queueEntry struct {
	jobID    string
	priority int
	seq      uint64
}

// Store implements capture.Store and capture.Admin behind one mutex.
type Store struct {
	mu      sync.RWMutex
	clock   capture.Clock
	seq     uint64
	jobs    map[string]capture.Job
	queue   []queueEntry
	ongoing map[string]time.Time
	results map[string]capture.Result
	cancel  map[string]struct{}
	stats   map[string]map[string]int64
}

// New constructs an empty Store.
func New(clk capture.Clock) *Store {
	return &Store{
		clock:   clk,
		jobs:    make(map[string]capture.Job),
		ongoing: make(map[string]time.Time),
		results: make(map[string]capture.Result),
		cancel:  make(map[string]struct{}),
		stats:   make(map[string]map[string]int64),
	}
}

// Enqueue persists the job and adds it to the waiting queue.
func (s *Store) Enqueue(_ context.Context, job capture.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.push(job.ID, job.Priority)
	return nil
}

// push appends a queue entry. Callers hold the lock.
func (s *Store) push(jobID string, priority int) {
	s.seq++
	s.queue = append(s.queue, queueEntry{jobID: jobID, priority: priority, seq: s.seq})
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].priority != s.queue[j].priority {
			return s.queue[i].priority > s.queue[j].priority
		}
		return s.queue[i].seq < s.queue[j].seq
	})
}

// ClaimNext pops the best queued job if the ongoing set has room.
func (s *Store) ClaimNext(_ context.Context, capacity int) (capture.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ongoing) >= capacity || len(s.queue) == 0 {
		return capture.Job{}, false, nil
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]
	job, ok := s.jobs[entry.jobID]
	if !ok {
		return capture.Job{}, false, nil
	}
	s.ongoing[entry.jobID] = s.clock.Now()
	return job, true, nil
}

// MarkOngoing registers a job as ongoing at the given start time.
func (s *Store) MarkOngoing(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ongoing[jobID] = startedAt
	return nil
}

// ClearOngoing removes the job from the ongoing registry.
func (s *Store) ClearOngoing(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ongoing[jobID]
	delete(s.ongoing, jobID)
	return ok, nil
}

// Requeue moves an ongoing job back to the waiting queue.
func (s *Store) Requeue(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, capture.ErrNotFound)
	}
	if _, ok := s.ongoing[jobID]; !ok {
		return nil
	}
	delete(s.ongoing, jobID)
	s.push(jobID, job.Priority)
	return nil
}

// WriteResult persists the terminal result for a job.
func (s *Store) WriteResult(_ context.Context, result capture.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.JobID] = result
	delete(s.cancel, result.JobID)
	return nil
}

// ReadResult loads the result for a job. ok is false while unresolved.
func (s *Store) ReadResult(_ context.Context, jobID string) (capture.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	return result, ok, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (capture.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return capture.Job{}, fmt.Errorf("job %s: %w", jobID, capture.ErrNotFound)
	}
	return job, nil
}

// State derives the coarse lifecycle state for a job.
func (s *Store) State(_ context.Context, jobID string) (capture.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.results[jobID]; ok {
		return capture.StateDone, nil
	}
	if _, ok := s.ongoing[jobID]; ok {
		return capture.StateOngoing, nil
	}
	for _, entry := range s.queue {
		if entry.jobID == jobID {
			return capture.StateQueued, nil
		}
	}
	return capture.StateUnknown, nil
}

// ListOngoing returns ongoing entries ordered oldest first.
func (s *Store) ListOngoing(_ context.Context) ([]capture.OngoingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]capture.OngoingEntry, 0, len(s.ongoing))
	for id, started := range s.ongoing {
		entries = append(entries, capture.OngoingEntry{JobID: id, StartedAt: started})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	return entries, nil
}

// OngoingCount returns the size of the ongoing registry.
func (s *Store) OngoingCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.ongoing)), nil
}

// ListQueued returns waiting jobs, best claim candidate first.
func (s *Store) ListQueued(_ context.Context) ([]capture.QueuedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]capture.QueuedEntry, 0, len(s.queue))
	for _, entry := range s.queue {
		entries = append(entries, capture.QueuedEntry{JobID: entry.jobID, Priority: entry.priority})
	}
	return entries, nil
}

// QueuedCount returns the number of waiting jobs.
func (s *Store) QueuedCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.queue)), nil
}

// RequestCancel flags a job for cancellation.
func (s *Store) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel[jobID] = struct{}{}
	return nil
}

// ConsumeCancel atomically checks and clears a pending cancellation.
func (s *Store) ConsumeCancel(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancel[jobID]
	delete(s.cancel, jobID)
	return ok, nil
}

// IncrDailyStat bumps one daily counter field.
func (s *Store) IncrDailyStat(_ context.Context, day time.Time, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := day.Format("20060102")
	if s.stats[key] == nil {
		s.stats[key] = make(map[string]int64)
	}
	s.stats[key][field]++
	return nil
}

// DailyStats returns the counters recorded for the given day.
func (s *Store) DailyStats(_ context.Context, day time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int64, len(s.stats[day.Format("20060102")]))
	for field, n := range s.stats[day.Format("20060102")] {
		stats[field] = n
	}
	return stats, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// DBInfo reports entry counts; memory use is not tracked.
func (s *Store) DBInfo(_ context.Context) (capture.DBInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := int64(len(s.jobs) + len(s.results) + len(s.stats))
	if len(s.queue) > 0 {
		keys++
	}
	if len(s.ongoing) > 0 {
		keys++
	}
	return capture.DBInfo{Keys: keys}, nil
}

// Shutdown is a no-op; nothing to persist.
func (s *Store) Shutdown(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
