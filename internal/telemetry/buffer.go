package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/telemetry-control/internal/metrics"
	"github.com/rcourtman/telemetry-control/internal/schedule"
)

const (
	DefaultBatchSize      = 50
	DefaultFlushInterval  = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
)

// Config holds the static configuration for a Buffer.
type Config struct {
	// Enabled is the global switch. A disabled buffer accepts and discards everything.
	Enabled bool
	// SessionID is attached to the batch and to events recorded without one.
	SessionID string
	// BatchSize triggers a flush once this many items are buffered.
	BatchSize int
	// FlushInterval is the period of the timer-driven flush.
	FlushInterval time.Duration
	// MaxRetries bounds redelivery of a failed batch; attempts = 1 + MaxRetries.
	MaxRetries int
	// RetryBaseDelay scales the backoff: retry n waits RetryBaseDelay * 2^n.
	RetryBaseDelay time.Duration
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *zerolog.Logger
}

// DefaultConfig returns the production defaults with a fresh session ID.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		SessionID:      NewSessionID(),
		BatchSize:      DefaultBatchSize,
		FlushInterval:  DefaultFlushInterval,
		MaxRetries:     DefaultMaxRetries,
		RetryBaseDelay: DefaultRetryBaseDelay,
		SendTimeout:    httpTimeout,
	}
}

// Stats is a point-in-time view of buffer activity.
type Stats struct {
	Recorded       int64 `json:"recorded"`
	Buffered       int   `json:"buffered"`
	BatchesSent    int64 `json:"batchesSent"`
	BatchesDropped int64 `json:"batchesDropped"`
	PendingRetries int   `json:"pendingRetries"`
}

// Buffer accumulates telemetry and hands batches to a Sink.
type Buffer struct {
	cfg    Config
	sink   Sink
	clock  clockwork.Clock
	logger zerolog.Logger
	task   *schedule.Task

	mu         sync.Mutex
	events     []Event
	perf       []Event
	errs       []Event
	usage      map[usageKey]*UsageAggregate
	usageOrder []usageKey
	retries    map[string]struct{}
	destroyed  bool

	stopCh   chan struct{}
	inflight sync.WaitGroup

	recorded atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

// New creates a buffer delivering to sink. Call Start to enable the periodic flush
// and Destroy to tear it down.
func New(cfg Config, sink Sink) *Buffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = httpTimeout
	}
	if cfg.SessionID == "" {
		cfg.SessionID = NewSessionID()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = LogSink{}
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	b := &Buffer{
		cfg:     cfg,
		sink:    sink,
		clock:   cfg.Clock,
		logger:  logger.With().Str("session_id", cfg.SessionID).Logger(),
		usage:   make(map[usageKey]*UsageAggregate),
		retries: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	// Stopping the task must not cancel a delivery that is already under way;
	// send still bounds it with SendTimeout.
	b.task = schedule.NewTask("telemetry-flush", cfg.FlushInterval, cfg.Clock, func(ctx context.Context) {
		b.Flush(context.WithoutCancel(ctx))
	})
	return b
}

// SessionID returns the buffer's session identifier.
func (b *Buffer) SessionID() string {
	return b.cfg.SessionID
}

// Start begins the timer-driven flush. It is a no-op for a disabled buffer.
func (b *Buffer) Start() {
	if !b.cfg.Enabled {
		b.logger.Info().Msg("Telemetry is disabled; events will be discarded")
		return
	}
	b.task.Start()
}

// Record accepts an event. Usage events merge into the aggregate for their
// (feature, action, session). Only caller errors are returned; a disabled or
// destroyed buffer silently discards.
func (b *Buffer) Record(e Event) error {
	if !b.cfg.Enabled {
		return nil
	}
	if e.SessionID == "" {
		e.SessionID = b.cfg.SessionID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	e = e.freeze()

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}

	switch e.Kind {
	case KindUsage:
		b.mergeUsageLocked(e)
	case KindPerformance:
		b.perf = append(b.perf, e)
	case KindError:
		b.errs = append(b.errs, e)
	case KindCustom:
		b.events = append(b.events, e)
	}

	var batch *Batch
	if b.countLocked() >= b.cfg.BatchSize {
		batch = b.takeLocked()
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	b.recorded.Add(1)
	metrics.RecordEvent(string(e.Kind))

	if batch != nil {
		go func() {
			defer b.inflight.Done()
			b.deliver(context.Background(), batch, 0)
		}()
	}
	return nil
}

func (b *Buffer) mergeUsageLocked(e Event) {
	key := usageKey{feature: e.Feature, action: e.Action, sessionID: e.SessionID}
	if agg, ok := b.usage[key]; ok {
		agg.Count += e.Count
		if e.Timestamp.After(agg.Timestamp) {
			agg.Timestamp = e.Timestamp
		}
		return
	}
	b.usage[key] = &UsageAggregate{
		Feature:   e.Feature,
		Action:    e.Action,
		SessionID: e.SessionID,
		Count:     e.Count,
		Timestamp: e.Timestamp,
	}
	b.usageOrder = append(b.usageOrder, key)
}

func (b *Buffer) countLocked() int {
	return len(b.events) + len(b.perf) + len(b.errs) + len(b.usage)
}

// takeLocked snapshots and clears every buffer. Events recorded after this point
// land in the next batch.
func (b *Buffer) takeLocked() *Batch {
	if b.countLocked() == 0 {
		return nil
	}

	usage := make([]UsageAggregate, 0, len(b.usageOrder))
	for _, k := range b.usageOrder {
		usage = append(usage, *b.usage[k])
	}

	batch := &Batch{
		ID:                 ulid.Make().String(),
		SessionID:          b.cfg.SessionID,
		Timestamp:          b.clock.Now(),
		Events:             nonNil(b.events),
		PerformanceMetrics: nonNil(b.perf),
		UsageMetrics:       usage,
		ErrorMetrics:       nonNil(b.errs),
	}

	b.events = nil
	b.perf = nil
	b.errs = nil
	b.usage = make(map[usageKey]*UsageAggregate)
	b.usageOrder = nil
	return batch
}

func nonNil(events []Event) []Event {
	if events == nil {
		return []Event{}
	}
	return events
}

// Flush snapshots the buffers and makes the first delivery attempt synchronously.
// A failed attempt is rescheduled in the background; Flush itself never reports
// a delivery failure and returns once the attempt completes or times out.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	if batch != nil {
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	if batch == nil {
		return
	}
	defer b.inflight.Done()
	b.deliver(ctx, batch, 0)
}

// deliver makes one attempt and schedules the next on failure.
func (b *Buffer) deliver(ctx context.Context, batch *Batch, attempt int) {
	err := b.send(ctx, batch)
	if err == nil {
		b.sent.Add(1)
		if attempt > 0 {
			b.logger.Info().Str("batch_id", batch.ID).Int("attempt", attempt).Msg("Telemetry batch delivered after retry")
		}
		return
	}

	if attempt >= b.cfg.MaxRetries {
		b.drop(batch, err, "retries exhausted")
		return
	}

	next := attempt + 1
	delay := b.cfg.RetryBaseDelay * time.Duration(1<<next)
	b.logger.Debug().
		Err(err).
		Str("batch_id", batch.ID).
		Int("attempt", next).
		Dur("backoff", delay).
		Msg("Telemetry batch delivery failed; scheduling retry")
	b.scheduleRetry(batch, next, delay)
}

func (b *Buffer) send(ctx context.Context, batch *Batch) error {
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()

	err := b.sink.Send(sendCtx, batch)
	metrics.RecordSendAttempt(err == nil, batch.Len())
	return err
}

func (b *Buffer) drop(batch *Batch, err error, reason string) {
	b.dropped.Add(1)
	metrics.RecordBatchDropped()
	b.logger.Warn().
		Err(err).
		Str("batch_id", batch.ID).
		Int("items", batch.Len()).
		Str("reason", reason).
		Msg("Dropping telemetry batch")
}

// scheduleRetry waits on the clock without holding any lock, so Record and other
// flushes proceed while the batch backs off.
func (b *Buffer) scheduleRetry(batch *Batch, attempt int, delay time.Duration) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		b.drop(batch, nil, "buffer destroyed")
		return
	}
	timer := b.clock.NewTimer(delay)
	b.retries[batch.ID] = struct{}{}
	b.inflight.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.inflight.Done()

		select {
		case <-timer.Chan():
			b.mu.Lock()
			delete(b.retries, batch.ID)
			b.mu.Unlock()
			b.deliver(context.Background(), batch, attempt)
		case <-b.stopCh:
			timer.Stop()
			b.mu.Lock()
			delete(b.retries, batch.ID)
			b.mu.Unlock()
			b.drop(batch, nil, "buffer destroyed")
		}
	}()
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	buffered := b.countLocked()
	pending := len(b.retries)
	b.mu.Unlock()

	return Stats{
		Recorded:       b.recorded.Load(),
		Buffered:       buffered,
		BatchesSent:    b.sent.Load(),
		BatchesDropped: b.dropped.Load(),
		PendingRetries: pending,
	}
}

// Destroy stops the flush timer, cancels pending retries, and makes one final
// best-effort delivery of whatever is buffered. Failures are logged, never
// returned. It waits for in-flight deliveries until ctx is done.
func (b *Buffer) Destroy(ctx context.Context) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	b.task.Stop()
	close(b.stopCh)

	if batch != nil {
		if err := b.send(ctx, batch); err != nil {
			b.drop(batch, err, "final flush failed")
		} else {
			b.sent.Add(1)
		}
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn().Msg("Timed out waiting for in-flight telemetry deliveries")
	}
}
