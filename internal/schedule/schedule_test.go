package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsOnEachTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32

	task := NewTask("test", 30*time.Second, clock, func(ctx context.Context) {
		runs.Add(1)
	})
	task.Start()
	defer task.Stop()

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTaskStopIsIdempotentAndHaltsTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32

	task := NewTask("test", time.Minute, clock, func(ctx context.Context) { runs.Add(1) })
	task.Start()
	assert.True(t, task.Running())

	task.Stop()
	task.Stop()
	assert.False(t, task.Running())

	clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestTaskStopCancelsContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	started := make(chan struct{})
	var cancelled atomic.Bool

	task := NewTask("blocking", time.Second, clock, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	task.Start()
	clock.Advance(time.Second)
	<-started

	task.Stop()
	assert.True(t, cancelled.Load())
}

func TestTaskRecoversFromPanic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32

	task := NewTask("panicky", time.Second, clock, func(ctx context.Context) {
		runs.Add(1)
		panic("boom")
	})
	task.Start()
	defer task.Stop()

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTaskZeroIntervalNeverStarts(t *testing.T) {
	task := NewTask("noop", 0, nil, func(ctx context.Context) {})
	task.Start()
	assert.False(t, task.Running())
}
