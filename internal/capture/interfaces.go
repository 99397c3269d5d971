package capture

import (
	"context"
	"time"
)

// Store persists jobs, ongoing claims, results, cancellations and daily
// counters. Implementations must make ClaimNext atomic: two concurrent
// callers never receive the same job, and the ongoing registry never
// exceeds the given capacity even across processes.
type Store interface {
	// Enqueue persists the job and adds it to the waiting queue.
	Enqueue(ctx context.Context, job Job) error

	// ClaimNext atomically pops the highest-priority waiting job and
	// registers it as ongoing with the current time. It returns ok=false
	// when the queue is empty or the ongoing registry is at capacity.
	ClaimNext(ctx context.Context, capacity int) (Job, bool, error)

	// MarkOngoing registers a job as ongoing at the given start time.
	// Used by recovery paths; ClaimNext marks ongoing on its own.
	MarkOngoing(ctx context.Context, jobID string, startedAt time.Time) error

	// ClearOngoing removes the job from the ongoing registry, reporting
	// whether an entry was present.
	ClearOngoing(ctx context.Context, jobID string) (bool, error)

	// Requeue atomically moves an ongoing job back to the waiting queue.
	Requeue(ctx context.Context, jobID string) error

	// WriteResult persists the terminal result for a job.
	WriteResult(ctx context.Context, result Result) error

	// ReadResult loads the result for a job, reporting ok=false while the
	// job is still unresolved.
	ReadResult(ctx context.Context, jobID string) (Result, bool, error)

	// GetJob loads a job record or returns ErrNotFound.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// State derives the coarse lifecycle state for a job.
	State(ctx context.Context, jobID string) (JobState, error)

	ListOngoing(ctx context.Context) ([]OngoingEntry, error)
	OngoingCount(ctx context.Context) (int64, error)
	ListQueued(ctx context.Context) ([]QueuedEntry, error)
	QueuedCount(ctx context.Context) (int64, error)

	// RequestCancel asks for a job to be cancelled wherever it is.
	RequestCancel(ctx context.Context, jobID string) error

	// ConsumeCancel atomically checks and clears a pending cancellation
	// request for the job.
	ConsumeCancel(ctx context.Context, jobID string) (bool, error)

	// IncrDailyStat bumps one daily counter field for the given day.
	IncrDailyStat(ctx context.Context, day time.Time, field string) error

	// DailyStats returns the counters recorded for the given day.
	DailyStats(ctx context.Context, day time.Time) (map[string]int64, error)

	// Ping reports store connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Admin exposes maintenance operations of a managed store backend. The
// lifecycle controller uses it; regular capture paths never touch it.
type Admin interface {
	Ping(ctx context.Context) error
	DBInfo(ctx context.Context) (DBInfo, error)
	Shutdown(ctx context.Context) error
}

// Engine drives a browser (or a stub) through one capture.
type Engine interface {
	Capture(ctx context.Context, job Job) (Page, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
