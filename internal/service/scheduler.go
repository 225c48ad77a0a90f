package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/metrics"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
)

// Advancer runs, or requests, one scheduler pass for a campaign.
type Advancer interface {
	Advance(ctx context.Context, campaignID int64) error
}

// Rescheduler arranges a later Advance for a campaign.
type Rescheduler interface {
	Reschedule(campaignID int64) bool
}

// Scheduler moves PENDING calls of RUNNING campaigns to the vendor without
// exceeding each campaign's concurrency cap. Advance is safe to call
// concurrently and redundantly, from any number of processes: capacity is
// always recomputed from the store and claims are conditional per row.
type Scheduler struct {
	Store       repository.Store
	Dispatcher  *Dispatcher
	Rescheduler Rescheduler
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Now         func() time.Time
	// ClaimLease is how long a QUEUED claim may sit before a pass returns it
	// to PENDING, on top of the campaign's own dispatch spacing. Zero disables.
	ClaimLease time.Duration

	group singleflight.Group
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Advance runs one pass. Passes for the same campaign that overlap within
// this process share a single execution.
func (s *Scheduler) Advance(ctx context.Context, campaignID int64) error {
	_, err, _ := s.group.Do(strconv.FormatInt(campaignID, 10), func() (any, error) {
		return nil, s.advance(ctx, campaignID)
	})
	return err
}

func (s *Scheduler) advance(ctx context.Context, campaignID int64) (err error) {
	log := s.Log.With(zap.Int64("campaign_id", campaignID))
	result := "error"
	defer func() { s.Metrics.AdvancePass(result) }()

	campaign, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	if campaign.Status != model.CampaignRunning {
		result = "idle"
		return nil
	}

	business, err := s.Store.GetBusiness(ctx, campaign.BusinessID)
	if err != nil {
		return fmt.Errorf("load business %d: %w", campaign.BusinessID, err)
	}
	if business == nil || strings.TrimSpace(business.VendorPhoneNumberID) == "" {
		result = "misconfigured"
		return s.failCampaign(ctx, campaign, "business has no telephony identity")
	}

	if err := s.releaseStaleClaims(ctx, campaign); err != nil {
		return err
	}

	active, err := s.Store.CountCampaignCalls(ctx, campaignID, model.ActiveCallStatuses...)
	if err != nil {
		return fmt.Errorf("count active calls: %w", err)
	}
	capacity := campaign.MaxConcurrent - active
	if capacity <= 0 {
		result = "saturated"
		s.reschedule(campaignID)
		return nil
	}

	claimed, err := s.Store.ClaimPendingCalls(ctx, campaignID, capacity, campaign.MaxConcurrent, s.now())
	if err != nil {
		return fmt.Errorf("claim pending calls: %w", err)
	}
	if len(claimed) > 0 {
		log.Debug("claimed calls", zap.Int("claimed", len(claimed)), zap.Int("active", active))
	}

	failed, err := s.dispatchAll(ctx, campaign, business.VendorPhoneNumberID, claimed)
	if failed > 0 {
		if _, aerr := s.Store.RecomputeAggregates(ctx, campaignID); aerr != nil {
			log.Error("recompute aggregates failed", zap.Error(aerr))
		}
	}
	if err != nil {
		return err
	}

	pending, err := s.Store.CountCampaignCalls(ctx, campaignID, model.CallPending)
	if err != nil {
		return fmt.Errorf("count pending calls: %w", err)
	}
	active, err = s.Store.CountCampaignCalls(ctx, campaignID, model.ActiveCallStatuses...)
	if err != nil {
		return fmt.Errorf("count active calls: %w", err)
	}

	if pending == 0 && active == 0 {
		result = "completed"
		return s.completeCampaign(ctx, campaignID)
	}

	result = "advanced"
	s.reschedule(campaignID)
	return nil
}

// releaseStaleClaims recovers calls left QUEUED by a pass that died between
// claim and dispatch. A live pass holds its claims for at most MaxConcurrent
// inter-dispatch delays plus vendor latency, which ClaimLease must cover.
func (s *Scheduler) releaseStaleClaims(ctx context.Context, campaign *model.Campaign) error {
	if s.ClaimLease <= 0 {
		return nil
	}
	lease := s.ClaimLease + time.Duration(campaign.MaxConcurrent)*campaign.InterDispatchDelay()
	now := s.now()
	n, err := s.Store.ReleaseStaleClaims(ctx, campaign.ID, now.Add(-lease), now)
	if err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	if n > 0 {
		s.Log.Warn("released expired claims",
			zap.Int64("campaign_id", campaign.ID), zap.Int("released", n), zap.Duration("lease", lease))
	}
	return nil
}

// dispatchAll dispatches claimed calls in order, spaced by the campaign's
// inter-dispatch delay. Claims not dispatched are released to PENDING.
func (s *Scheduler) dispatchAll(ctx context.Context, campaign *model.Campaign, phoneNumberID string, claimed []*model.CampaignCall) (failed int, err error) {
	var limiter *rate.Limiter
	if d := campaign.InterDispatchDelay(); d > 0 {
		limiter = rate.NewLimiter(rate.Every(d), 1)
	}

	for i, call := range claimed {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.release(ctx, claimed[i:])
				return failed, err
			}
		}

		current, err := s.Store.GetCampaign(ctx, campaign.ID)
		if err != nil {
			s.release(ctx, claimed[i:])
			return failed, fmt.Errorf("reload campaign %d: %w", campaign.ID, err)
		}
		if current.Status != model.CampaignRunning {
			s.Log.Info("campaign left RUNNING mid-pass, releasing claims",
				zap.Int64("campaign_id", campaign.ID),
				zap.String("status", string(current.Status)),
				zap.Int("released", len(claimed)-i))
			s.release(ctx, claimed[i:])
			return failed, nil
		}

		res, err := s.Dispatcher.Dispatch(ctx, current, call, phoneNumberID)
		if err != nil {
			rest := claimed[i:]
			if res == DispatchDispatched {
				// Placed with the vendor; the row stays QUEUED.
				rest = claimed[i+1:]
			}
			s.release(ctx, rest)
			return failed, err
		}
		if res == DispatchFailed {
			failed++
		}
	}
	return failed, nil
}

func (s *Scheduler) release(ctx context.Context, calls []*model.CampaignCall) {
	ctx = context.WithoutCancel(ctx)
	for _, call := range calls {
		if _, err := s.Store.ReleaseCall(ctx, call.ID, s.now()); err != nil {
			s.Log.Error("release claimed call failed", zap.Int64("call_id", call.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) completeCampaign(ctx context.Context, campaignID int64) error {
	if _, err := s.Store.TransitionCampaign(ctx, campaignID, model.TransitionComplete, s.now()); err != nil {
		var invalid *appErrors.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Another pass completed it, or it was paused or cancelled meanwhile.
			return nil
		}
		return fmt.Errorf("complete campaign %d: %w", campaignID, err)
	}
	agg, err := s.Store.RecomputeAggregates(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("recompute aggregates: %w", err)
	}
	s.Metrics.Transition(string(model.CampaignCompleted))
	s.Log.Info("campaign completed",
		zap.Int64("campaign_id", campaignID),
		zap.Int("total", agg.TotalCalls),
		zap.Int("completed", agg.CompletedCalls),
		zap.Int("failed", agg.FailedCalls),
		zap.Int("successful", agg.SuccessfulCalls))
	return nil
}

func (s *Scheduler) failCampaign(ctx context.Context, campaign *model.Campaign, reason string) error {
	if _, err := s.Store.TransitionCampaign(ctx, campaign.ID, model.TransitionFail, s.now()); err != nil {
		var invalid *appErrors.InvalidTransitionError
		if errors.As(err, &invalid) {
			return nil
		}
		return fmt.Errorf("fail campaign %d: %w", campaign.ID, err)
	}
	s.Metrics.Transition(string(model.CampaignFailed))
	s.Log.Error("campaign failed", zap.Int64("campaign_id", campaign.ID), zap.String("reason", reason))
	return appErrors.NewConfigurationError(campaign.ID, reason)
}

func (s *Scheduler) reschedule(campaignID int64) {
	if s.Rescheduler != nil {
		s.Rescheduler.Reschedule(campaignID)
	}
}
