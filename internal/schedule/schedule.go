// Package schedule runs a function on a fixed interval against an injectable clock.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Func is the work performed on every tick. The context is cancelled when the task stops.
type Func func(ctx context.Context)

// Task is a scheduled recurring task.
type Task struct {
	name     string
	interval time.Duration
	clock    clockwork.Clock
	fn       Func

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTask creates a stopped task. A nil clock uses the real clock.
func NewTask(name string, interval time.Duration, clock clockwork.Clock, fn Func) *Task {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Task{
		name:     name,
		interval: interval,
		clock:    clock,
		fn:       fn,
	}
}

// Start begins ticking. Starting a running task is a no-op.
// The ticker is created before Start returns, so a fake clock advanced afterwards fires it.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || t.interval <= 0 || t.fn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := t.clock.NewTicker(t.interval)
	done := make(chan struct{})

	t.cancel = cancel
	t.done = done
	t.running = true

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				t.run(ctx)
			}
		}
	}()

	log.Debug().Str("task", t.name).Dur("interval", t.interval).Msg("Scheduled task started")
}

func (t *Task) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", t.name).Interface("panic", r).Msg("Scheduled task panicked")
		}
	}()
	t.fn(ctx)
}

// Stop halts the task and waits for an in-progress run to return. It is idempotent.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	cancel()
	<-done
	log.Debug().Str("task", t.name).Msg("Scheduled task stopped")
}

// Running reports whether the task is currently scheduled.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
