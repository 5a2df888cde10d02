package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepSchedule runs the eviction sweep once a minute.
const sweepSchedule = "@every 1m"

// Sweeper periodically evicts idle sessions from a store.
type Sweeper struct {
	store   *Store
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store *Store) *Sweeper {
	return &Sweeper{
		store:  store,
		cron:   cron.New(),
		logger: slog.Default().With("component", "session.sweeper"),
	}
}

// Start schedules the sweep and stops it when the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	if _, err := s.cron.AddFunc(sweepSchedule, func() {
		evicted := s.store.Sweep(time.Now())
		if evicted > 0 {
			s.logger.Info("session sweep", "evicted", evicted, "live", s.store.Len())
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Debug("session sweeper started", "schedule", sweepSchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts the scheduled sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	s.logger.Debug("session sweeper stopped")
}
