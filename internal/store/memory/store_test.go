package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caplake/caplake/internal/capture"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore() (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(clk), clk
}

func job(id string, priority int) capture.Job {
	return capture.Job{ID: id, URL: "https://example.com/" + id, Priority: priority}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, job("low", -1)))
	require.NoError(t, s.Enqueue(ctx, job("first", 0)))
	require.NoError(t, s.Enqueue(ctx, job("second", 0)))
	require.NoError(t, s.Enqueue(ctx, job("urgent", 5)))

	var order []string
	for {
		j, ok, err := s.ClaimNext(ctx, 10)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, j.ID)
		_, err = s.ClearOngoing(ctx, j.ID)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"urgent", "first", "second", "low"}, order)
}

func TestClaimRespectsCapacity(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, job("a", 0)))
	require.NoError(t, s.Enqueue(ctx, job("b", 0)))
	require.NoError(t, s.Enqueue(ctx, job("c", 0)))

	_, ok, err := s.ClaimNext(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.ClaimNext(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	// At capacity: the third job stays queued.
	_, ok, err = s.ClaimNext(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.QueuedCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	cleared, err := s.ClearOngoing(ctx, "a")
	require.NoError(t, err)
	require.True(t, cleared)

	j, ok, err := s.ClaimNext(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c", j.ID)
}

func TestClearOngoingReportsPresence(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, job("a", 0)))
	_, ok, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	cleared, err := s.ClearOngoing(ctx, "a")
	require.NoError(t, err)
	require.True(t, cleared)

	cleared, err = s.ClearOngoing(ctx, "a")
	require.NoError(t, err)
	require.False(t, cleared)
}

func TestRequeuePutsJobBehindItsTier(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, job("gated", 0)))
	require.NoError(t, s.Enqueue(ctx, job("other", 0)))

	j, ok, err := s.ClaimNext(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gated", j.ID)

	require.NoError(t, s.Requeue(ctx, "gated"))

	n, err := s.OngoingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	j, ok, err = s.ClaimNext(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "other", j.ID)

	j, ok, err = s.ClaimNext(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gated", j.ID)
}

func TestRequeueUnknownJob(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	err := s.Requeue(context.Background(), "ghost")
	require.ErrorIs(t, err, capture.ErrNotFound)
}

func TestResultLifecycle(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()

	_, ok, err := s.ReadResult(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	result := capture.Result{
		JobID:       "a",
		Status:      capture.StatusSuccess,
		URL:         "https://example.com/final",
		HTML:        "<html></html>",
		CompletedAt: clk.Now(),
		Runtime:     12.5,
	}
	require.NoError(t, s.WriteResult(ctx, result))

	got, ok, err := s.ReadResult(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result, got)
}

func TestStateDerivation(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	state, err := s.State(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, capture.StateUnknown, state)

	require.NoError(t, s.Enqueue(ctx, job("a", 0)))
	state, err = s.State(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, capture.StateQueued, state)

	_, ok, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	state, err = s.State(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, capture.StateOngoing, state)

	require.NoError(t, s.WriteResult(ctx, capture.Result{JobID: "a", Status: capture.StatusSuccess}))
	_, err = s.ClearOngoing(ctx, "a")
	require.NoError(t, err)
	state, err = s.State(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, capture.StateDone, state)
}

func TestCancelConsumedOnce(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	consumed, err := s.ConsumeCancel(ctx, "a")
	require.NoError(t, err)
	require.False(t, consumed)

	require.NoError(t, s.RequestCancel(ctx, "a"))

	consumed, err = s.ConsumeCancel(ctx, "a")
	require.NoError(t, err)
	require.True(t, consumed)

	consumed, err = s.ConsumeCancel(ctx, "a")
	require.NoError(t, err)
	require.False(t, consumed)
}

func TestWriteResultDropsPendingCancel(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.RequestCancel(ctx, "a"))
	require.NoError(t, s.WriteResult(ctx, capture.Result{JobID: "a", Status: capture.StatusSuccess}))

	consumed, err := s.ConsumeCancel(ctx, "a")
	require.NoError(t, err)
	require.False(t, consumed)
}

func TestListOngoingOldestFirst(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, job("a", 0)))
	_, ok, err := s.ClaimNext(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)

	clk.advance(time.Minute)
	require.NoError(t, s.Enqueue(ctx, job("b", 0)))
	_, ok, err = s.ClaimNext(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := s.ListOngoing(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].JobID)
	require.Equal(t, "b", entries[1].JobID)
	require.True(t, entries[0].StartedAt.Before(entries[1].StartedAt))
}

func TestDailyStats(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	day := clk.Now()

	require.NoError(t, s.IncrDailyStat(ctx, day, capture.StatSubmitted))
	require.NoError(t, s.IncrDailyStat(ctx, day, capture.StatSubmitted))
	require.NoError(t, s.IncrDailyStat(ctx, day, capture.StatFailure))

	stats, err := s.DailyStats(ctx, day)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats[capture.StatSubmitted])
	require.EqualValues(t, 1, stats[capture.StatFailure])

	other, err := s.DailyStats(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestConcurrentClaimsNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Enqueue(ctx, job(fmt.Sprintf("job-%02d", i), 0)))
	}

	const capacity = 4
	var wg sync.WaitGroup
	claimed := make(chan string, 64)
	errCh := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok, err := s.ClaimNext(ctx, capacity)
				if err != nil {
					errCh <- err
					return
				}
				if !ok {
					return
				}
				claimed <- j.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	n, err := s.OngoingCount(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, n, int64(capacity))

	seen := make(map[string]bool)
	for id := range claimed {
		require.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
}
