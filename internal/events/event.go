// Package events defines the lifecycle event stream emitted by the
// capture subsystems.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/caplake/caplake/internal/capture"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported capture stages.
const (
	StageEnqueued        Stage = "ENQUEUED"
	StageStarted         Stage = "STARTED"
	StageFinished        Stage = "FINISHED"
	StageRequeued        Stage = "REQUEUED"
	StageReclaimed       Stage = "RECLAIMED"
	StageCancelRequested Stage = "CANCEL_REQUESTED"
)

// Event captures a single capture lifecycle milestone.
type Event struct {
	// JobID identifies the capture the event belongs to.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the capture target; it should not contain credentials.
	URL string `json:"url,omitempty"`
	// Status carries the terminal status on FINISHED and RECLAIMED.
	Status capture.ResultStatus `json:"status,omitempty"`
	// Runtime is the capture runtime in seconds on FINISHED.
	Runtime float64 `json:"runtime_seconds,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageEnqueued, StageStarted, StageRequeued, StageCancelRequested:
	case StageFinished, StageReclaimed:
		if e.Status == "" {
			return fmt.Errorf("%s requires a status", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Runtime < 0 {
		return errors.New("runtime must be >= 0")
	}
	return nil
}
