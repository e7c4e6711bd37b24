package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	ctx := context.Background()

	// No checks registered means ready.
	assert.True(t, c.IsReady(ctx))

	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("directory", func(ctx context.Context) Status { return StatusOK })
	assert.True(t, c.IsReady(ctx))

	results := c.RunAll(ctx)
	assert.Len(t, results, 2)
	assert.Equal(t, StatusOK, results["store"])

	c.Register("directory", func(ctx context.Context) Status { return StatusDown })
	assert.False(t, c.IsReady(ctx))
}
