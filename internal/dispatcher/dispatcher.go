// Package dispatcher implements the capture execution loop.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
	"github.com/caplake/caplake/internal/events"
	"github.com/caplake/caplake/internal/metrics"
)

// persistTimeout bounds the store writes that record a finished capture.
// These run on their own context so results survive a shutdown drain.
const persistTimeout = 15 * time.Second

// Config controls Dispatcher behavior.
type Config struct {
	// Slots is the number of concurrent capture slots. It doubles as the
	// claim capacity enforced by the store, so restarted or additional
	// processes sharing the store never exceed it together.
	Slots int
	// MaxCaptureTime is the hard deadline for a single capture run.
	MaxCaptureTime time.Duration
	// PollInterval is how long an idle slot sleeps between claims.
	PollInterval time.Duration
	// CancelPoll is how often a running capture checks for a pending
	// cancellation request.
	CancelPoll time.Duration
}

// ProxyChecker reports on the managed outbound proxy. Jobs routed
// through it are held back while it is down.
type ProxyChecker interface {
	ManagedAddr() string
	Ready() bool
}

// Dispatcher claims queued jobs and drives them through the capture
// engine. Each slot is an independent claim-and-run loop.
type Dispatcher struct {
	store   capture.Store
	engine  capture.Engine
	clock   capture.Clock
	proxy   ProxyChecker
	emitter events.Emitter
	retry   *capture.RetryPolicy
	cfg     Config
	logger  *zap.Logger

	inFlight  atomic.Int64
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Dispatcher. proxy and emitter may be nil.
func New(
	store capture.Store,
	engine capture.Engine,
	clock capture.Clock,
	proxy ProxyChecker,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.MaxCaptureTime <= 0 {
		cfg.MaxCaptureTime = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     store,
		engine:    engine,
		clock:     clock,
		proxy:     proxy,
		emitter:   emitter,
		retry:     capture.NewRetryPolicy(),
		cfg:       cfg,
		logger:    logger,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Run blocks, claiming and executing captures until ctx finishes. A
// cancelled ctx stops the claiming; captures already in flight run to
// completion and Run returns once the last of them has been recorded.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for slot := 0; slot < d.cfg.Slots; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			d.slotLoop(ctx, d.logger.With(zap.Int("slot", slot)))
		}(slot)
	}
	wg.Wait()
}

// ForceStop aborts every in-flight capture. Used when a shutdown drain
// exceeds its deadline; the aborted jobs are recorded as failures.
func (d *Dispatcher) ForceStop() {
	d.runCancel()
}

// InFlight reports how many captures this process is running right now.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

func (d *Dispatcher) slotLoop(ctx context.Context, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := d.claimWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ObserveClaim("error")
			logger.Error("claim failed", zap.Error(err))
			d.sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if !ok {
			metrics.ObserveClaim("empty")
			d.sleep(ctx, d.cfg.PollInterval)
			continue
		}
		metrics.ObserveClaim("claimed")
		logger.Debug("claimed job", zap.String("job_id", job.ID))
		d.process(ctx, logger, job)
	}
}

func (d *Dispatcher) claimWithRetry(ctx context.Context) (capture.Job, bool, error) {
	attempt := 0
	for {
		job, ok, err := d.store.ClaimNext(ctx, d.cfg.Slots)
		if err == nil {
			return job, ok, nil
		}
		metrics.ObserveStoreError("claim")
		if !d.retry.ShouldRetry(err, attempt) {
			return capture.Job{}, false, err
		}
		d.sleep(ctx, d.retry.Backoff(attempt))
		attempt++
	}
}

func (d *Dispatcher) process(ctx context.Context, logger *zap.Logger, job capture.Job) {
	d.inFlight.Add(1)
	metrics.IncOngoing()
	defer func() {
		d.inFlight.Add(-1)
		metrics.DecOngoing()
	}()

	logger = logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))

	cancelled, err := d.store.ConsumeCancel(ctx, job.ID)
	if err != nil {
		logger.Warn("cancel check failed, proceeding", zap.Error(err))
	}
	if cancelled {
		logger.Info("capture cancelled before start")
		d.finish(logger, d.cancelledResult(job, d.clock.Now(), "cancelled before start"))
		return
	}

	if d.gatedOnProxy(job) {
		logger.Warn("managed proxy down, requeueing")
		if err := d.store.Requeue(ctx, job.ID); err != nil {
			logger.Error("requeue failed", zap.Error(err))
		} else {
			metrics.ObserveRequeued()
			d.emit(events.Event{JobID: job.ID, Stage: events.StageRequeued, URL: job.URL, Note: "managed proxy down"})
		}
		d.sleep(ctx, d.cfg.PollInterval)
		return
	}

	start := d.clock.Now()
	if err := d.store.MarkOngoing(ctx, job.ID, start); err != nil {
		logger.Warn("refresh start time failed", zap.Error(err))
	}
	d.emit(events.Event{JobID: job.ID, Stage: events.StageStarted, URL: job.URL})

	runCtx, cancel := context.WithTimeout(d.runCtx, d.cfg.MaxCaptureTime)
	defer cancel()

	var midFlightCancel atomic.Bool
	watchDone := make(chan struct{})
	go d.watchCancel(runCtx, job.ID, &midFlightCancel, cancel, watchDone)

	page, err := d.engine.Capture(runCtx, job)
	cancel()
	<-watchDone

	d.finish(logger, d.buildResult(job, page, err, runCtx, &midFlightCancel, start))
}

// watchCancel polls for a cancellation request while a capture runs and
// aborts the run when one arrives.
func (d *Dispatcher) watchCancel(
	ctx context.Context,
	jobID string,
	flagged *atomic.Bool,
	abort context.CancelFunc,
	done chan<- struct{},
) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.CancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := d.store.ConsumeCancel(ctx, jobID)
			if err != nil || !cancelled {
				continue
			}
			flagged.Store(true)
			abort()
			return
		}
	}
}

func (d *Dispatcher) buildResult(
	job capture.Job,
	page capture.Page,
	err error,
	runCtx context.Context,
	midFlightCancel *atomic.Bool,
	start time.Time,
) capture.Result {
	now := d.clock.Now()
	runtime := now.Sub(start).Seconds()

	if err == nil {
		return capture.Result{
			JobID:       job.ID,
			Status:      capture.StatusSuccess,
			URL:         page.URL,
			StatusCode:  page.StatusCode,
			HTML:        page.HTML,
			Screenshot:  page.Screenshot,
			CompletedAt: now,
			Runtime:     runtime,
		}
	}

	result := capture.Result{
		JobID:       job.ID,
		Status:      capture.StatusFailure,
		URL:         job.URL,
		CompletedAt: now,
		Runtime:     runtime,
	}
	switch {
	case midFlightCancel.Load():
		result.Status = capture.StatusCancelled
		result.Error = "capture cancelled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = capture.StatusTimeout
		result.Error = fmt.Sprintf("capture exceeded %s", d.cfg.MaxCaptureTime)
	case errors.Is(err, context.Canceled):
		result.Error = "capture aborted during shutdown"
	default:
		result.Error = err.Error()
	}
	return result
}

func (d *Dispatcher) cancelledResult(job capture.Job, now time.Time, detail string) capture.Result {
	return capture.Result{
		JobID:       job.ID,
		Status:      capture.StatusCancelled,
		URL:         job.URL,
		Error:       detail,
		CompletedAt: now,
	}
}

// finish persists the result and releases the job's ongoing slot. The
// result write comes first so a crash in between leaves the job visible
// to the reaper instead of silently lost. When the write keeps failing
// the slot is deliberately left held for the same reason.
func (d *Dispatcher) finish(logger *zap.Logger, result capture.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := d.writeResultWithRetry(ctx, result); err != nil {
		logger.Error("result write failed, leaving job for the reaper", zap.Error(err))
		metrics.ObserveStoreError("write_result")
		return
	}

	if _, err := d.store.ClearOngoing(ctx, result.JobID); err != nil {
		logger.Error("clear ongoing failed", zap.Error(err))
		metrics.ObserveStoreError("clear_ongoing")
	}

	if err := d.store.IncrDailyStat(ctx, d.clock.Now(), statFor(result.Status)); err != nil {
		logger.Debug("stat increment failed", zap.Error(err))
	}

	metrics.ObserveCapture(string(result.Status), time.Duration(result.Runtime*float64(time.Second)))
	d.emit(events.Event{
		JobID:   result.JobID,
		Stage:   events.StageFinished,
		URL:     result.URL,
		Status:  result.Status,
		Runtime: result.Runtime,
		Note:    result.Error,
	})
	logger.Info("capture finished",
		zap.String("status", string(result.Status)),
		zap.Float64("runtime_seconds", result.Runtime),
	)
}

func (d *Dispatcher) writeResultWithRetry(ctx context.Context, result capture.Result) error {
	attempt := 0
	for {
		err := d.store.WriteResult(ctx, result)
		if err == nil {
			return nil
		}
		if !d.retry.ShouldRetry(err, attempt) {
			return err
		}
		d.sleep(ctx, d.retry.Backoff(attempt))
		attempt++
	}
}

func (d *Dispatcher) gatedOnProxy(job capture.Job) bool {
	if d.proxy == nil || job.Settings.Proxy == "" {
		return false
	}
	addr := d.proxy.ManagedAddr()
	if addr == "" || job.Settings.Proxy != addr {
		return false
	}
	return !d.proxy.Ready()
}

func (d *Dispatcher) emit(evt events.Event) {
	if d.emitter == nil {
		return
	}
	evt.TS = d.clock.Now()
	d.emitter.Emit(evt)
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
}

func statFor(status capture.ResultStatus) string {
	switch status {
	case capture.StatusSuccess:
		return capture.StatSuccess
	case capture.StatusTimeout:
		return capture.StatTimeout
	case capture.StatusCancelled:
		return capture.StatCancelled
	default:
		return capture.StatFailure
	}
}
