package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterSweepsIdleVisitorsPeriodically(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	limiter.clockNow = func() time.Time { return now }

	require.True(t, limiter.Allow("a"))
	require.True(t, limiter.Allow("b"))
	require.Len(t, limiter.visitors, 2)

	// Both are idle past the cutoff, but the sweep has run too recently to
	// drop anyone yet.
	now = now.Add(limiter.idle + time.Second)
	limiter.lastSweep = now.Add(-limiter.sweepEach / 2)
	require.True(t, limiter.Allow("a"))
	require.Len(t, limiter.visitors, 2)

	now = now.Add(limiter.sweepEach)
	require.True(t, limiter.Allow("c"))
	require.Len(t, limiter.visitors, 2)
	require.Contains(t, limiter.visitors, "a")
	require.NotContains(t, limiter.visitors, "b")
}
