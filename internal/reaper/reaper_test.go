package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
	"github.com/caplake/caplake/internal/metrics"
	"github.com/caplake/caplake/internal/store/memory"
)

func init() {
	metrics.Init()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func claimedJob(t *testing.T, store *memory.Store, id string) capture.Job {
	t.Helper()
	job := capture.Job{ID: id, URL: "https://example.com/" + id}
	require.NoError(t, store.Enqueue(context.Background(), job))
	claimed, ok, err := store.ClaimNext(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, claimed.ID)
	return job
}

func TestSweepLeavesFreshCapturesAlone(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clk)
	job := claimedJob(t, store, "job-1")

	r := New(store, clk, nil, Config{
		MaxCaptureTime: time.Hour,
		Grace:          6 * time.Minute,
		Abandon:        15 * time.Minute,
	}, zap.NewNop())

	reclaimed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	n, err := store.OngoingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, ok, err := store.ReadResult(context.Background(), job.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepWarnsButKeepsOverdue(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clk)
	job := claimedJob(t, store, "job-1")

	// Past warn threshold (1h6m) but short of abandon (1h15m).
	started := clk.Now().Add(-(time.Hour + 10*time.Minute))
	require.NoError(t, store.MarkOngoing(context.Background(), job.ID, started))

	r := New(store, clk, nil, Config{
		MaxCaptureTime: time.Hour,
		Grace:          6 * time.Minute,
		Abandon:        15 * time.Minute,
	}, zap.NewNop())

	reclaimed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	n, err := store.OngoingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSweepReclaimsAbandoned(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clk)
	job := claimedJob(t, store, "job-1")
	fresh := claimedJob(t, store, "job-2")

	started := clk.Now().Add(-(2 * time.Hour))
	require.NoError(t, store.MarkOngoing(context.Background(), job.ID, started))

	r := New(store, clk, nil, Config{
		MaxCaptureTime: time.Hour,
		Grace:          6 * time.Minute,
		Abandon:        15 * time.Minute,
	}, zap.NewNop())

	reclaimed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	result, ok, err := store.ReadResult(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, capture.StatusFailure, result.Status)
	require.Equal(t, capture.ReclaimReason, result.Error)
	require.Equal(t, job.URL, result.URL)
	require.InDelta(t, (2 * time.Hour).Seconds(), result.Runtime, 1)

	// The fresh capture stays ongoing and unresolved.
	n, err := store.OngoingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, ok, err = store.ReadResult(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := store.DailyStats(context.Background(), clk.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[capture.StatReclaimed])
}

func TestRunSweepsOnTicker(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clk)
	job := claimedJob(t, store, "job-1")
	require.NoError(t, store.MarkOngoing(context.Background(), job.ID, clk.Now().Add(-3*time.Hour)))

	r := New(store, clk, nil, Config{
		Interval:       20 * time.Millisecond,
		MaxCaptureTime: time.Hour,
		Grace:          6 * time.Minute,
		Abandon:        15 * time.Minute,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok, err := store.ReadResult(context.Background(), job.ID)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestThresholdDefaults(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now()}
	r := New(memory.New(clk), clk, nil, Config{MaxCaptureTime: time.Hour}, zap.NewNop())
	require.Equal(t, 6*time.Minute, r.cfg.Grace)
	require.Greater(t, r.cfg.Abandon, r.cfg.Grace)
	require.Equal(t, time.Minute, r.cfg.Interval)
}
