// Package capture defines core types shared across subsystems.
package capture

import "time"

// ResultStatus is the terminal status recorded for a finished capture.
type ResultStatus string

// Result status values persisted in the job store.
const (
	StatusSuccess   ResultStatus = "success"
	StatusFailure   ResultStatus = "failure"
	StatusTimeout   ResultStatus = "timeout"
	StatusCancelled ResultStatus = "cancelled"
)

// JobState is the coarse lifecycle state reported to clients.
type JobState string

// Job lifecycle states derived from store contents.
const (
	StateUnknown JobState = "unknown"
	StateQueued  JobState = "queued"
	StateOngoing JobState = "ongoing"
	StateDone    JobState = "done"
)

// ReclaimReason is the error text written when the reaper abandons a
// capture whose worker stopped reporting.
const ReclaimReason = "reclaimed: worker unresponsive"

// Daily statistics fields tracked per calendar day.
const (
	StatSubmitted = "submitted"
	StatSuccess   = "success"
	StatFailure   = "failure"
	StatTimeout   = "timeout"
	StatCancelled = "cancelled"
	StatReclaimed = "reclaimed"
)

// Settings captures per-job knobs requested by the client. The
// orchestration layer treats them as opaque; only the engine adapter
// interprets them.
type Settings struct {
	UserAgent      string            `json:"user_agent,omitempty"`
	Referer        string            `json:"referer,omitempty"`
	Proxy          string            `json:"proxy,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	WithScreenshot bool              `json:"with_screenshot,omitempty"`
	TimeoutSec     int               `json:"timeout_sec,omitempty"`
}

// Job is the metadata persisted for each submitted capture request.
type Job struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Priority   int       `json:"priority"`
	Settings   Settings  `json:"settings"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// OngoingEntry records one claimed capture and when work on it began.
type OngoingEntry struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

// QueuedEntry is one waiting job as reported by queue introspection.
type QueuedEntry struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
}

// Page is the raw output of a browser engine run.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
	Screenshot []byte
}

// Result is the terminal record persisted for a finished capture.
type Result struct {
	JobID       string       `json:"job_id"`
	Status      ResultStatus `json:"status"`
	URL         string       `json:"url,omitempty"`
	StatusCode  int          `json:"status_code,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Screenshot  []byte       `json:"screenshot,omitempty"`
	Error       string       `json:"error,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
	Runtime     float64      `json:"runtime_seconds"`
}

// DBInfo summarizes the backend database for status reporting.
type DBInfo struct {
	Keys        int64 `json:"keys"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// BackendState is the lifecycle state of the managed store backend.
type BackendState string

// Backend lifecycle states.
const (
	BackendStopped  BackendState = "stopped"
	BackendStarting BackendState = "starting"
	BackendRunning  BackendState = "running"
	BackendStopping BackendState = "stopping"
)

// ProxyState is the lifecycle state of the managed proxy.
type ProxyState string

// Proxy lifecycle states.
const (
	ProxyDown     ProxyState = "down"
	ProxyStarting ProxyState = "starting"
	ProxyUp       ProxyState = "up"
)
