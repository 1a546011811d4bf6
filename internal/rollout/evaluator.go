package rollout

import (
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
	"github.com/rcourtman/telemetry-control/internal/metrics"
)

// DefaultCacheTTL is how long an evaluation result and a loaded configuration stay fresh.
const DefaultCacheTTL = 5 * time.Minute

// maxCacheEntries bounds the per-configuration result cache; it is emptied when full.
const maxCacheEntries = 10000

type cacheKey struct {
	flag   string
	caller CallerContext
}

type cacheEntry struct {
	enabled   bool
	expiresAt time.Time
}

// state is one loaded configuration together with the results computed from it.
// It is replaced as a unit on reload, so the cache can never outlive its flags.
type state struct {
	cfg       Config
	loadedAt  time.Time
	cacheable map[string]bool

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// Evaluator answers flag queries against the most recently loaded configuration.
// It is safe for concurrent use.
type Evaluator struct {
	clock clockwork.Clock
	ttl   time.Duration
	cur   atomic.Pointer[state]
}

// NewEvaluator creates an evaluator with an empty configuration. A nil clock uses
// the real clock and a non-positive ttl uses DefaultCacheTTL.
func NewEvaluator(clock clockwork.Clock, ttl time.Duration) *Evaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	e := &Evaluator{clock: clock, ttl: ttl}
	e.cur.Store(newState(Config{Flags: map[string]Flag{}}, clock.Now()))
	return e
}

func newState(cfg Config, now time.Time) *state {
	return &state{
		cfg:       cfg,
		loadedAt:  now,
		cacheable: cacheableFlags(cfg.Flags),
		cache:     make(map[cacheKey]cacheEntry),
	}
}

// cacheableFlags marks flags whose result cannot change with time: no active
// window on the flag or anywhere in its dependency chain.
func cacheableFlags(flags map[string]Flag) map[string]bool {
	out := make(map[string]bool, len(flags))
	var walk func(name string, seen map[string]bool) bool
	walk = func(name string, seen map[string]bool) bool {
		if v, ok := out[name]; ok {
			return v
		}
		if seen[name] {
			return false
		}
		seen[name] = true
		f, ok := flags[name]
		if !ok {
			return true
		}
		ok = f.ActiveWindow == nil
		for _, dep := range f.DependsOn {
			if !walk(dep, seen) {
				ok = false
			}
		}
		out[name] = ok
		return ok
	}
	for name := range flags {
		walk(name, map[string]bool{})
	}
	return out
}

// Load validates cfg and makes it the active configuration, discarding every
// cached result. An invalid configuration is rejected and the previous one stays.
func (e *Evaluator) Load(cfg Config) error {
	if err := Validate(cfg.Flags); err != nil {
		return err
	}
	e.cur.Store(newState(cfg.Clone(), e.clock.Now()))
	return nil
}

// Stale reports whether the active configuration is older than the TTL.
func (e *Evaluator) Stale() bool {
	return e.clock.Since(e.cur.Load().loadedAt) >= e.ttl
}

// Version returns the version string of the active configuration.
func (e *Evaluator) Version() string {
	return e.cur.Load().cfg.Version
}

// Snapshot returns a copy of the active configuration.
func (e *Evaluator) Snapshot() Config {
	return e.cur.Load().cfg.Clone()
}

// Evaluate reports whether flag name is enabled for caller. The only error is a
// caller error for a missing session ID; unknown flags are simply off.
func (e *Evaluator) Evaluate(name string, caller CallerContext) (bool, error) {
	if caller.SessionID == "" {
		return false, telerrors.CallerError("evaluate_flag", "sessionId is required")
	}
	st := e.cur.Load()
	now := e.clock.Now()
	enabled, cached := st.lookup(name, caller, now, e.ttl)
	metrics.RecordFlagEvaluation(enabled, cached)
	return enabled, nil
}

// IsEnabled is Evaluate for callers that only want the answer. A caller error
// is logged and reported as disabled.
func (e *Evaluator) IsEnabled(name string, caller CallerContext) bool {
	enabled, err := e.Evaluate(name, caller)
	if err != nil {
		log.Warn().Err(err).Str("flag", name).Msg("Flag evaluation rejected")
		return false
	}
	return enabled
}

// GetAllFlags evaluates every known flag for caller against one configuration.
func (e *Evaluator) GetAllFlags(caller CallerContext) (map[string]bool, error) {
	if caller.SessionID == "" {
		return nil, telerrors.CallerError("get_all_flags", "sessionId is required")
	}
	st := e.cur.Load()
	now := e.clock.Now()
	out := make(map[string]bool, len(st.cfg.Flags))
	for name := range st.cfg.Flags {
		enabled, cached := st.lookup(name, caller, now, e.ttl)
		metrics.RecordFlagEvaluation(enabled, cached)
		out[name] = enabled
	}
	return out, nil
}

func (st *state) lookup(name string, caller CallerContext, now time.Time, ttl time.Duration) (enabled, cached bool) {
	if !st.cacheable[name] {
		return st.evaluate(name, caller, now, 0), false
	}

	key := cacheKey{flag: name, caller: caller}
	st.mu.Lock()
	entry, ok := st.cache[key]
	st.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.enabled, true
	}

	enabled = st.evaluate(name, caller, now, 0)
	st.mu.Lock()
	if len(st.cache) >= maxCacheEntries {
		clear(st.cache)
	}
	st.cache[key] = cacheEntry{enabled: enabled, expiresAt: now.Add(ttl)}
	st.mu.Unlock()
	return enabled, false
}

// evaluate applies the rules in order, stopping at the first decisive one.
func (st *state) evaluate(name string, caller CallerContext, now time.Time, depth int) bool {
	f, ok := st.cfg.Flags[name]
	if !ok {
		return false
	}
	if !f.Enabled {
		return false
	}
	if f.ActiveWindow != nil && !f.ActiveWindow.Contains(now) {
		return false
	}
	// Loaded configurations are acyclic; the depth bound catches anything that slipped past validation.
	if depth > len(st.cfg.Flags) {
		return false
	}
	for _, dep := range f.DependsOn {
		if !st.evaluate(dep, caller, now, depth+1) {
			return false
		}
	}
	if caller.Identity != "" && slices.Contains(f.AllowedIdentities, caller.Identity) {
		return true
	}
	if caller.Group != "" && slices.Contains(f.AllowedGroups, caller.Group) {
		return true
	}
	if caller.Privileged {
		return true
	}
	return Bucket(caller.SessionID) < f.RolloutPercentage
}

// Bucket maps a session ID to a stable bucket in [0, 100) using 32-bit FNV-1a.
func Bucket(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % 100)
}
