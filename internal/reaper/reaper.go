// Package reaper recovers captures whose worker stopped reporting.
package reaper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
	"github.com/caplake/caplake/internal/events"
	"github.com/caplake/caplake/internal/metrics"
)

// Config controls the sweep cadence and staleness thresholds.
type Config struct {
	// Interval is how often the ongoing registry is swept.
	Interval time.Duration
	// MaxCaptureTime is the dispatcher's hard capture deadline. A healthy
	// worker always resolves a job within it.
	MaxCaptureTime time.Duration
	// Grace past the deadline before an ongoing capture is logged as
	// overdue.
	Grace time.Duration
	// Abandon past the deadline before an ongoing capture is written off
	// as failed and its slot reclaimed.
	Abandon time.Duration
}

// Reaper sweeps the ongoing registry for captures that outlived the
// deadline. Overdue ones are logged; abandoned ones get a failure result
// and their slot back, which is how jobs orphaned by a crashed worker
// become resolvable again.
type Reaper struct {
	store   capture.Store
	clock   capture.Clock
	emitter events.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Reaper. emitter may be nil.
func New(store capture.Store, clock capture.Clock, emitter events.Emitter, cfg Config, logger *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxCaptureTime <= 0 {
		cfg.MaxCaptureTime = time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = cfg.MaxCaptureTime / 10
	}
	if cfg.Abandon <= cfg.Grace {
		cfg.Abandon = cfg.Grace + cfg.MaxCaptureTime/4
	}
	return &Reaper{
		store:   store,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, sweeping on every tick until the context finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep examines every ongoing capture once and reclaims the abandoned
// ones. It returns how many were reclaimed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	entries, err := r.store.ListOngoing(ctx)
	if err != nil {
		metrics.ObserveStoreError("list_ongoing")
		return 0, err
	}

	now := r.clock.Now()
	warnAge := r.cfg.MaxCaptureTime + r.cfg.Grace
	abandonAge := r.cfg.MaxCaptureTime + r.cfg.Abandon

	reclaimed := 0
	for _, entry := range entries {
		age := now.Sub(entry.StartedAt)
		switch {
		case age > abandonAge:
			if r.reclaim(ctx, entry, now, age) {
				reclaimed++
			}
		case age > warnAge:
			r.logger.Warn("capture overdue",
				zap.String("job_id", entry.JobID),
				zap.Duration("age", age),
				zap.Time("started_at", entry.StartedAt),
			)
		}
	}
	return reclaimed, nil
}

// reclaim writes the failure result before releasing the slot so a
// partial sweep never loses the job.
func (r *Reaper) reclaim(ctx context.Context, entry capture.OngoingEntry, now time.Time, age time.Duration) bool {
	result := capture.Result{
		JobID:       entry.JobID,
		Status:      capture.StatusFailure,
		Error:       capture.ReclaimReason,
		CompletedAt: now,
		Runtime:     age.Seconds(),
	}
	if job, err := r.store.GetJob(ctx, entry.JobID); err == nil {
		result.URL = job.URL
	} else if !errors.Is(err, capture.ErrNotFound) {
		r.logger.Warn("job lookup failed during reclaim", zap.String("job_id", entry.JobID), zap.Error(err))
	}

	if err := r.store.WriteResult(ctx, result); err != nil {
		r.logger.Error("reclaim result write failed", zap.String("job_id", entry.JobID), zap.Error(err))
		metrics.ObserveStoreError("write_result")
		return false
	}
	if _, err := r.store.ClearOngoing(ctx, entry.JobID); err != nil {
		r.logger.Error("reclaim clear failed", zap.String("job_id", entry.JobID), zap.Error(err))
		metrics.ObserveStoreError("clear_ongoing")
	}
	if err := r.store.IncrDailyStat(ctx, now, capture.StatReclaimed); err != nil {
		r.logger.Debug("stat increment failed", zap.Error(err))
	}

	metrics.ObserveReclaimed()
	if r.emitter != nil {
		r.emitter.Emit(events.Event{
			JobID:   entry.JobID,
			TS:      now,
			Stage:   events.StageReclaimed,
			URL:     result.URL,
			Status:  result.Status,
			Runtime: result.Runtime,
			Note:    capture.ReclaimReason,
		})
	}
	r.logger.Warn("capture reclaimed",
		zap.String("job_id", entry.JobID),
		zap.Duration("age", age),
	)
	return true
}
