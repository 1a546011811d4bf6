package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/telemetry-control/internal/buffer"
	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
	"github.com/rcourtman/telemetry-control/internal/kvstore"
	"github.com/rcourtman/telemetry-control/internal/metrics"
	"github.com/rcourtman/telemetry-control/internal/notifications"
	"github.com/rcourtman/telemetry-control/internal/utils"
)

// Window is a rolling aggregation period with its own threshold.
type Window string

const (
	WindowDaily   Window = "daily"   // since local midnight
	WindowWeekly  Window = "weekly"  // trailing 7x24h
	WindowMonthly Window = "monthly" // since the first of the month
)

// Windows lists every threshold window in evaluation order.
var Windows = []Window{WindowDaily, WindowWeekly, WindowMonthly}

// Thresholds are spend limits in USD. Zero disables a window.
type Thresholds struct {
	Daily   float64 `json:"daily"`
	Weekly  float64 `json:"weekly"`
	Monthly float64 `json:"monthly"`
}

func (t Thresholds) limit(w Window) float64 {
	switch w {
	case WindowDaily:
		return t.Daily
	case WindowWeekly:
		return t.Weekly
	case WindowMonthly:
		return t.Monthly
	}
	return 0
}

// Sample is one metered unit of paid usage.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Model         string    `json:"model"`
	InputUnits    int64     `json:"inputUnits"`
	OutputUnits   int64     `json:"outputUnits"`
	Cost          float64   `json:"cost"`
	SessionID     string    `json:"sessionId"`
	CorrelationID string    `json:"correlationId"`
}

// Notifier delivers fired alerts. Implementations handle their own failures.
type Notifier interface {
	Notify(ctx context.Context, alert notifications.Alert)
}

const (
	DefaultCooldown      = 4 * time.Hour
	DefaultRetentionDays = 90
	DefaultSaveDebounce  = 5 * time.Second
	DefaultAlertHistory  = 50

	dispatchTimeout = 2 * time.Minute
	persistTimeout  = 10 * time.Second

	samplesKey    = "cost/samples"
	alertStateKey = "cost/alert-state"
)

// Config configures a Monitor. Zero values take defaults.
type Config struct {
	Prices        PriceTable
	Thresholds    Thresholds
	Cooldown      time.Duration
	RetentionDays int
	// Store persists samples and alert state. Nil keeps everything in memory.
	Store        kvstore.Store
	SaveDebounce time.Duration
	Notifier     Notifier
	AlertHistory int
	Clock        clockwork.Clock
	// Location defines local midnight and month boundaries.
	Location *time.Location
}

// Monitor records cost samples and evaluates thresholds on every insert.
// It is safe for concurrent use.
type Monitor struct {
	cfg   Config
	clock clockwork.Clock
	loc   *time.Location

	mu        sync.RWMutex
	samples   []Sample
	lastFired map[Window]time.Time
	alerts    *buffer.Queue[notifications.Alert]

	saveScheduled bool
	savePending   bool
	closed        bool
	stopCh        chan struct{}
	bg            sync.WaitGroup
}

// NewMonitor creates a monitor. Call Load to restore persisted state.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Prices.Models == nil {
		cfg.Prices = DefaultPriceTable()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = DefaultSaveDebounce
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = DefaultAlertHistory
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Monitor{
		cfg:       cfg,
		clock:     cfg.Clock,
		loc:       cfg.Location,
		lastFired: make(map[Window]time.Time),
		alerts:    buffer.New[notifications.Alert](cfg.AlertHistory),
		stopCh:    make(chan struct{}),
	}
}

// RecordUsage prices the usage, appends it to the ledger and evaluates every
// threshold. It returns the derived cost. An unknown model costs 0 and is
// logged; the only errors are caller errors.
func (m *Monitor) RecordUsage(model string, inputUnits, outputUnits int64, sessionID, correlationID string) (float64, error) {
	if strings.TrimSpace(model) == "" {
		return 0, telerrors.CallerError("record_usage", "model is required")
	}
	if inputUnits < 0 || outputUnits < 0 {
		return 0, telerrors.CallerError("record_usage", "units must not be negative (input=%d output=%d)", inputUnits, outputUnits)
	}
	if strings.TrimSpace(sessionID) == "" {
		return 0, telerrors.CallerError("record_usage", "sessionId is required")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	usd, known := m.cfg.Prices.Estimate(model, inputUnits, outputUnits)
	metrics.RecordCost(model, usd, known)
	if !known {
		log.Warn().
			Str("model", model).
			Str("pricing_version", m.cfg.Prices.Version).
			Msg("No price for model; recording usage at zero cost")
	}

	now := m.clock.Now()
	sample := Sample{
		Timestamp:     now,
		Model:         model,
		InputUnits:    inputUnits,
		OutputUnits:   outputUnits,
		Cost:          usd,
		SessionID:     sessionID,
		CorrelationID: correlationID,
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	m.trimLocked(now)
	fired := m.evaluateLocked(now)
	m.scheduleSaveLocked()
	if !m.closed && m.cfg.Notifier != nil {
		for _, alert := range fired {
			m.bg.Add(1)
			go m.dispatch(alert)
		}
	}
	m.mu.Unlock()

	return usd, nil
}

// evaluateLocked recomputes each window total and fires the windows that are
// over their limit and outside their cooldown.
func (m *Monitor) evaluateLocked(now time.Time) []notifications.Alert {
	var fired []notifications.Alert
	for _, w := range Windows {
		limit := m.cfg.Thresholds.limit(w)
		if limit <= 0 {
			continue
		}
		total := m.totalLocked(m.windowStart(w, now), now)
		if total <= limit {
			continue
		}
		if last, ok := m.lastFired[w]; ok && now.Sub(last) < m.cfg.Cooldown {
			metrics.RecordThresholdAlert(string(w), false)
			continue
		}

		m.lastFired[w] = now
		alert := notifications.Alert{
			ID:      utils.GenerateID("alert"),
			Key:     "cost:" + string(w),
			Window:  string(w),
			Total:   total,
			Limit:   limit,
			FiredAt: now,
			Message: fmt.Sprintf("%s cost $%.2f exceeds limit $%.2f", windowTitle(w), total, limit),
		}
		m.alerts.Push(alert)
		metrics.RecordThresholdAlert(string(w), true)
		log.Warn().
			Str("window", string(w)).
			Float64("total_usd", total).
			Float64("limit_usd", limit).
			Str("alert_id", alert.ID).
			Msg("Cost threshold exceeded")
		fired = append(fired, alert)
	}
	return fired
}

func windowTitle(w Window) string {
	s := string(w)
	return strings.ToUpper(s[:1]) + s[1:]
}

func (m *Monitor) dispatch(alert notifications.Alert) {
	defer m.bg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	m.cfg.Notifier.Notify(ctx, alert)
}

// windowStart returns the inclusive start of window w as seen at now.
func (m *Monitor) windowStart(w Window, now time.Time) time.Time {
	local := now.In(m.loc)
	switch w {
	case WindowDaily:
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	case WindowWeekly:
		return now.Add(-7 * 24 * time.Hour)
	case WindowMonthly:
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, m.loc)
	}
	return now
}

func (m *Monitor) totalLocked(start, end time.Time) float64 {
	var total float64
	for _, s := range m.samples {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			total += s.Cost
		}
	}
	return total
}

func (m *Monitor) trimLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -m.cfg.RetentionDays)
	filtered := m.samples[:0]
	for _, s := range m.samples {
		if !s.Timestamp.Before(cutoff) {
			filtered = append(filtered, s)
		}
	}
	m.samples = filtered
}

// WindowTotals returns the current spend for every window.
func (m *Monitor) WindowTotals() map[Window]float64 {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Window]float64, len(Windows))
	for _, w := range Windows {
		out[w] = m.totalLocked(m.windowStart(w, now), now)
	}
	return out
}

// Thresholds returns the configured limits.
func (m *Monitor) Thresholds() Thresholds {
	return m.cfg.Thresholds
}

// Prices returns the active price table.
func (m *Monitor) Prices() PriceTable {
	return m.cfg.Prices
}

// Alerts returns recently fired alerts, oldest first.
func (m *Monitor) Alerts() []notifications.Alert {
	return m.alerts.Items()
}

// LastFired returns when the alert for window w last fired.
func (m *Monitor) LastFired(w Window) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastFired[w]
	return t, ok
}

// Samples returns a copy of the retained ledger.
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

type persistedState struct {
	samples   []Sample
	lastFired map[Window]time.Time
}

func (m *Monitor) snapshotLocked() persistedState {
	state := persistedState{
		samples:   make([]Sample, len(m.samples)),
		lastFired: make(map[Window]time.Time, len(m.lastFired)),
	}
	copy(state.samples, m.samples)
	for w, t := range m.lastFired {
		state.lastFired[w] = t
	}
	return state
}

// scheduleSaveLocked coalesces writes: at most one save per debounce interval.
func (m *Monitor) scheduleSaveLocked() {
	if m.cfg.Store == nil || m.closed {
		return
	}
	m.savePending = true
	if m.saveScheduled {
		return
	}
	m.saveScheduled = true
	timer := m.clock.NewTimer(m.cfg.SaveDebounce)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		select {
		case <-timer.Chan():
			m.saveDue()
		case <-m.stopCh:
			timer.Stop()
		}
	}()
}

func (m *Monitor) saveDue() {
	m.mu.Lock()
	m.saveScheduled = false
	if !m.savePending {
		m.mu.Unlock()
		return
	}
	m.savePending = false
	state := m.snapshotLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.persist(ctx, state); err != nil {
		log.Error().Err(err).Msg("Failed to save cost history")
	}
}

func (m *Monitor) persist(ctx context.Context, state persistedState) error {
	samples, err := json.Marshal(state.samples)
	if err != nil {
		return fmt.Errorf("encode samples: %w", err)
	}
	if err := m.cfg.Store.Set(ctx, samplesKey, samples); err != nil {
		return fmt.Errorf("save samples: %w", err)
	}
	alertState, err := json.Marshal(state.lastFired)
	if err != nil {
		return fmt.Errorf("encode alert state: %w", err)
	}
	if err := m.cfg.Store.Set(ctx, alertStateKey, alertState); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

// Flush writes the ledger and alert state immediately.
func (m *Monitor) Flush(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	m.mu.Lock()
	m.savePending = false
	state := m.snapshotLocked()
	m.mu.Unlock()
	return m.persist(ctx, state)
}

// Load restores persisted samples and alert state, merging them with anything
// recorded since construction and pruning by retention.
func (m *Monitor) Load(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}

	var loaded []Sample
	if data, ok, err := m.cfg.Store.Get(ctx, samplesKey); err != nil {
		return fmt.Errorf("load samples: %w", err)
	} else if ok {
		if err := json.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("decode samples: %w", err)
		}
	}

	var state map[Window]time.Time
	if data, ok, err := m.cfg.Store.Get(ctx, alertStateKey); err != nil {
		return fmt.Errorf("load alert state: %w", err)
	} else if ok {
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("decode alert state: %w", err)
		}
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.samples = append(loaded, m.samples...)
	sort.SliceStable(m.samples, func(i, j int) bool {
		return m.samples[i].Timestamp.Before(m.samples[j].Timestamp)
	})
	m.trimLocked(now)
	for w, t := range state {
		if cur, ok := m.lastFired[w]; !ok || t.After(cur) {
			m.lastFired[w] = t
		}
	}
	count := len(m.samples)
	m.mu.Unlock()

	log.Info().Int("samples", count).Int("alert_windows", len(state)).Msg("Loaded cost history")
	return nil
}

// Close stops background saves, waits for in-flight alert dispatches and
// writes the final state.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for alert dispatches")
	}
	return m.Flush(ctx)
}
