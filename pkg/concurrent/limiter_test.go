package concurrent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()
	require.NoError(t, l.Add(ctx))
	require.NoError(t, l.Add(ctx))

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Add(timeout), context.DeadlineExceeded)

	l.Done()
	assert.NoError(t, l.Add(ctx))
}

func TestLimiterMinimumOne(t *testing.T) {
	l := NewLimiter(0)
	require.NoError(t, l.Add(context.Background()))
	l.Done()
}
