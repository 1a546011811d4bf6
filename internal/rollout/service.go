package rollout

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/telemetry-control/internal/metrics"
	"github.com/rcourtman/telemetry-control/internal/schedule"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Source is polled for configuration. Nil serves Defaults only.
	Source Source
	// Defaults is loaded at construction and kept when the source fails.
	// The zero value uses DefaultFlags.
	Defaults Config
	// TTL is both the result cache lifetime and the refresh period.
	TTL   time.Duration
	Clock clockwork.Clock
}

// Service keeps an Evaluator loaded from a Source, falling back to the bundled
// defaults when the source is absent or failing.
type Service struct {
	*Evaluator

	source Source
	group  singleflight.Group
	task   *schedule.Task

	mu          sync.Mutex
	lastRefresh time.Time
	lastErr     error
}

// NewService builds a service with the defaults already loaded.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Defaults.Flags == nil {
		cfg.Defaults = DefaultFlags()
	}
	s := &Service{
		Evaluator: NewEvaluator(cfg.Clock, cfg.TTL),
		source:    cfg.Source,
	}
	if err := s.Load(cfg.Defaults); err != nil {
		log.Error().Err(err).Msg("Bundled flag defaults are invalid; starting with no flags")
	}
	s.task = schedule.NewTask("flag-refresh", s.ttl, s.clock, func(ctx context.Context) {
		_ = s.Refresh(ctx)
	})
	return s
}

// Refresh fetches and loads the source configuration. Concurrent calls share
// one fetch. On any failure the active configuration is kept and the error is
// returned for reporting only.
func (s *Service) Refresh(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Service) refresh(ctx context.Context) error {
	outcome := "applied"
	cfg, err := s.source.Fetch(ctx)
	if err != nil {
		outcome = "fallback"
	} else if err = s.Load(cfg); err != nil {
		outcome = "rejected"
	}
	metrics.RecordConfigReload(outcome)

	s.mu.Lock()
	s.lastRefresh = s.clock.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Warn().
			Err(err).
			Str("source", s.source.Name()).
			Str("active_version", s.Version()).
			Msg("Flag refresh failed; keeping active configuration")
		return err
	}

	log.Info().
		Str("source", s.source.Name()).
		Str("version", cfg.Version).
		Int("flags", len(cfg.Flags)).
		Msg("Loaded flag configuration")
	return nil
}

// Status reports when the last refresh ran and how it ended.
func (s *Service) Status() (lastRefresh time.Time, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh, s.lastErr
}

// Start performs an initial refresh and then refreshes every TTL.
func (s *Service) Start(ctx context.Context) {
	if s.source == nil {
		return
	}
	_ = s.Refresh(ctx)
	s.task.Start()
}

// Stop halts periodic refresh.
func (s *Service) Stop() {
	s.task.Stop()
}
