package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLimiter_Allow(t *testing.T) {
	l := newClientLimiter(RateLimitConfig{RPS: 1, Burst: 2})

	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"), "burst exhausted")

	// Separate clients have separate buckets.
	assert.True(t, l.allow("10.0.0.2"))
}

func TestClientLimiter_PrunesIdleBuckets(t *testing.T) {
	l := newClientLimiter(RateLimitConfig{RPS: 1, Burst: 1})

	require.True(t, l.allow("10.0.0.1"))
	require.True(t, l.allow("10.0.0.2"))
	require.Len(t, l.clients, 2)

	// Age one bucket past the idle cutoff and open the prune window.
	l.mu.Lock()
	l.clients["10.0.0.1"].lastRefill = time.Now().Add(-bucketIdleAge - time.Minute)
	l.lastPrune = time.Now().Add(-pruneInterval - time.Minute)
	l.mu.Unlock()

	l.allow("10.0.0.2")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "10.0.0.1", "idle bucket should be pruned")
	assert.Contains(t, l.clients, "10.0.0.2")
}
