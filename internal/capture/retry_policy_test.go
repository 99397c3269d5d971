package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()

	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(errors.New("some other failure"), 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))

	wrapped := fmt.Errorf("claim next: %w", ErrStoreUnavailable)
	require.True(t, p.ShouldRetry(wrapped, 0))
	require.True(t, p.ShouldRetry(ErrStoreUnavailable, 4))
	require.False(t, p.ShouldRetry(ErrStoreUnavailable, 5))
}

func TestRetryPolicy_BackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()

	var prev time.Duration
	for attempt := 0; attempt < 4; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.maxDelay)
		if attempt > 1 {
			// Half of the raw delay is deterministic, so successive
			// attempts cannot shrink below the previous floor.
			require.GreaterOrEqual(t, d, prev/2)
		}
		prev = d
	}

	// Very large attempt counters must not overflow past the cap.
	require.LessOrEqual(t, p.Backoff(500), p.maxDelay)
}

func TestEngineError(t *testing.T) {
	t.Parallel()

	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	err := NewEngineError("https://example.invalid", cause)

	require.Contains(t, err.Error(), "https://example.invalid")
	require.ErrorIs(t, err, cause)

	var engineErr *EngineError
	require.ErrorAs(t, fmt.Errorf("run capture: %w", err), &engineErr)
	require.Equal(t, "https://example.invalid", engineErr.URL)

	withDetail := &EngineError{URL: "https://example.com", Detail: "blank page after navigation"}
	require.Contains(t, withDetail.Error(), "blank page after navigation")
}
