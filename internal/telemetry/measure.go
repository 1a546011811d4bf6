package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StartMeasurement starts a wall-clock timer and returns the function that stops it.
// Calling the returned function records the elapsed milliseconds as a performance
// event; further calls are no-ops. Concurrent measurements are independent.
func (b *Buffer) StartMeasurement(name string, ctx map[string]any) (stop func()) {
	start := b.clock.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.recordDuration(name, b.clock.Since(start), ctx)
		})
	}
}

// Measure runs op, records its duration and outcome, and returns op's error
// unchanged. A failure is also recorded as a medium severity error event. A panic
// in op is recorded and then re-raised.
func (b *Buffer) Measure(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := MeasureValue(ctx, b, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// MeasureValue is Measure for operations that return a value.
func MeasureValue[T any](ctx context.Context, b *Buffer, name string, op func(ctx context.Context) (T, error)) (result T, err error) {
	start := b.clock.Now()
	defer func() {
		elapsed := b.clock.Since(start)
		if r := recover(); r != nil {
			b.recordOutcome(name, elapsed, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		b.recordOutcome(name, elapsed, err)
	}()
	return op(ctx)
}

func (b *Buffer) recordOutcome(name string, elapsed time.Duration, err error) {
	b.recordDuration(name, elapsed, map[string]any{"success": err == nil})
	if err != nil {
		b.recordInternal(Failure(name, SeverityMedium, err))
	}
}

func (b *Buffer) recordDuration(name string, elapsed time.Duration, ctx map[string]any) {
	ms := float64(elapsed) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	e := Performance(name, ms)
	e.Context = ctx
	b.recordInternal(e)
}

// recordInternal records an event built by the buffer itself; a validation failure
// here means an empty name was supplied, which is logged rather than surfaced.
func (b *Buffer) recordInternal(e Event) {
	if err := b.Record(e); err != nil {
		b.logger.Warn().Err(err).Str("name", e.Name).Msg("Discarding invalid measurement")
	}
}
