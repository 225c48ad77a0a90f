package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
)

// Sweeper periodically advances every RUNNING campaign. It restarts
// continuation chains lost to restarts or dropped messages.
type Sweeper struct {
	Store       repository.CampaignRepositoryInterface
	Advancer    Advancer
	Concurrency int
	Log         *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running sync.Mutex
}

// SweepAll advances each RUNNING campaign once. Failures of one campaign do
// not stop the others; they are returned joined.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	ids, err := s.Store.ListCampaignIDsByStatus(ctx, model.CampaignRunning)
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}

	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Advancer.Advance(gctx, id); err != nil {
				s.Log.Warn("sweep advance failed", zap.Int64("campaign_id", id), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("campaign %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Start runs SweepAll every interval until Stop is called.
func (s *Sweeper) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.tick)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.Log.Info("sweeper started", zap.Duration("interval", interval))
	return nil
}

// tick skips when the previous sweep is still running.
func (s *Sweeper) tick() {
	if !s.running.TryLock() {
		return
	}
	defer s.running.Unlock()
	if err := s.SweepAll(context.Background()); err != nil {
		s.Log.Warn("sweep finished with errors", zap.Error(err))
	}
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
