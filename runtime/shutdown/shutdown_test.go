package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllPhases(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(nil)
	var ran atomic.Int32
	for _, name := range []string{"scheduler", "store", "redis"} {
		c.Register(name, func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	require.NoError(t, c.Run(context.Background(), time.Second))
	assert.Equal(t, int32(3), ran.Load())
}

func TestRunReturnsPhaseError(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(nil)
	boom := errors.New("connection reset")
	c.Register("ok", func(context.Context) error { return nil })
	c.Register("broken", func(context.Context) error { return boom })

	err := c.Run(context.Background(), time.Second)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestRunTimesOut(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(nil)
	c.Register("fast", func(context.Context) error { return nil })
	c.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		// Simulate a phase that keeps going past cancellation.
		time.Sleep(5 * time.Second)
		return nil
	})

	start := time.Now()
	err := c.Run(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunRecoversPanickingPhase(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(nil)
	c.Register("panicky", func(context.Context) error { panic("nope") })

	err := c.Run(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky")
}

func TestRunWithNoPhases(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(nil)
	require.NoError(t, c.Run(context.Background(), time.Second))
}
