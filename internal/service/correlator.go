package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/classifier"
	"github.com/unclebandit/voicecampaign-backend/internal/metrics"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/phone"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
)

type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionUnmatched Disposition = "unmatched"
	DispositionAmbiguous Disposition = "ambiguous"
)

type CompletionResult struct {
	Disposition Disposition      `json:"disposition"`
	CallID      int64            `json:"call_id,omitempty"`
	CampaignID  int64            `json:"campaign_id,omitempty"`
	Status      model.CallStatus `json:"status,omitempty"`
	Outcome     *model.Outcome   `json:"outcome,omitempty"`
}

// Deduper drops repeated deliveries of an identical payload. A payload is
// remembered only once it has been handled.
type Deduper interface {
	Seen(ctx context.Context, payload []byte) (bool, error)
	Remember(ctx context.Context, payload []byte) error
}

// Correlator attributes vendor end-of-call reports to campaign calls and
// records their terminal state.
type Correlator struct {
	Store      repository.Store
	Classifier classifier.Classifier
	Advancer   Advancer
	Deduper    Deduper
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time

	// Window bounds the fallback phone lookup; SuffixDigits is how many
	// trailing digits must match.
	Window       time.Duration
	SuffixDigits int
}

func (c *Correlator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// OnDelivery is OnVendorCompletion behind the delivery deduper. raw is the
// payload as received and keys the dedupe entry.
func (c *Correlator) OnDelivery(ctx context.Context, raw []byte, ev model.CompletionEvent) (*CompletionResult, error) {
	if c.Deduper != nil {
		seen, err := c.Deduper.Seen(ctx, raw)
		if err != nil {
			// The store guards stay authoritative.
			c.Log.Warn("dedupe lookup failed", zap.Error(err))
		} else if seen {
			c.Metrics.Completion(string(DispositionDuplicate))
			return &CompletionResult{Disposition: DispositionDuplicate}, nil
		}
	}

	res, err := c.OnVendorCompletion(ctx, ev)
	if err != nil {
		return nil, err
	}
	if c.Deduper != nil {
		if rerr := c.Deduper.Remember(context.WithoutCancel(ctx), raw); rerr != nil {
			c.Log.Warn("dedupe record failed", zap.Error(rerr))
		}
	}
	return res, nil
}

// OnVendorCompletion records ev on the call it belongs to. Unattributable
// events are dropped with a warning. Only store failures are returned.
func (c *Correlator) OnVendorCompletion(ctx context.Context, ev model.CompletionEvent) (*CompletionResult, error) {
	log := c.Log.With(zap.String("correlation_id", ev.CorrelationID))

	call, res, err := c.resolve(ctx, ev, log)
	if err != nil {
		return nil, err
	}
	if res != nil {
		c.Metrics.Completion(string(res.Disposition))
		return res, nil
	}
	log = log.With(zap.Int64("call_id", call.ID), zap.Int64("campaign_id", call.CampaignID))

	f := c.finalization(ev)
	ok, err := c.Store.FinalizeCall(ctx, call.ID, f)
	if err != nil {
		return nil, fmt.Errorf("finalize call %d: %w", call.ID, err)
	}
	if !ok {
		log.Info("completion raced with another delivery, ignoring")
		c.Metrics.Completion(string(DispositionDuplicate))
		return &CompletionResult{Disposition: DispositionDuplicate, CallID: call.ID, CampaignID: call.CampaignID}, nil
	}

	if _, err := c.Store.RecomputeAggregates(ctx, call.CampaignID); err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}

	log.Info("call finalized",
		zap.String("status", string(f.Status)),
		zap.String("end_reason", ev.EndReason),
		zap.Int("duration_seconds", ev.DurationSeconds))
	c.Metrics.Completion(string(DispositionProcessed))

	if c.Advancer != nil {
		if err := c.Advancer.Advance(ctx, call.CampaignID); err != nil {
			log.Warn("advance after completion failed", zap.Error(err))
		}
	}

	return &CompletionResult{
		Disposition: DispositionProcessed,
		CallID:      call.ID,
		CampaignID:  call.CampaignID,
		Status:      f.Status,
		Outcome:     f.Outcome,
	}, nil
}

// resolve returns the IN_PROGRESS call ev belongs to, or a result explaining
// why there is none.
func (c *Correlator) resolve(ctx context.Context, ev model.CompletionEvent, log *zap.Logger) (*model.CampaignCall, *CompletionResult, error) {
	if ev.CorrelationID != "" {
		call, err := c.Store.FindCampaignCallByCorrelationID(ctx, ev.CorrelationID)
		if err != nil {
			return nil, nil, fmt.Errorf("find call by correlation id: %w", err)
		}
		if call != nil {
			if call.Status.IsTerminal() {
				log.Info("completion for terminal call, ignoring", zap.Int64("call_id", call.ID))
				return nil, &CompletionResult{Disposition: DispositionDuplicate, CallID: call.ID, CampaignID: call.CampaignID, Status: call.Status}, nil
			}
			if call.Status == model.CallInProgress {
				return call, nil, nil
			}
		}
	}

	suffix := phone.Suffix(ev.PhoneNumber, c.suffixDigits())
	if suffix == "" {
		log.Warn("completion has no usable correlation id or phone, dropping")
		return nil, &CompletionResult{Disposition: DispositionUnmatched}, nil
	}

	candidates, err := c.Store.FindCandidateCallsByPhoneSuffix(ctx, c.now().Add(-c.window()), suffix)
	if err != nil {
		return nil, nil, fmt.Errorf("find calls by phone suffix: %w", err)
	}
	switch len(candidates) {
	case 1:
		log.Info("completion matched by phone suffix", zap.Int64("call_id", candidates[0].ID))
		return candidates[0], nil, nil
	case 0:
		log.Warn("completion matched no call, dropping", zap.String("suffix", suffix))
		return nil, &CompletionResult{Disposition: DispositionUnmatched}, nil
	default:
		ids := make([]int64, len(candidates))
		for i, cand := range candidates {
			ids[i] = cand.ID
		}
		log.Warn("completion matched several calls, dropping",
			zap.String("suffix", suffix), zap.Int64s("call_ids", ids))
		return nil, &CompletionResult{Disposition: DispositionAmbiguous}, nil
	}
}

func (c *Correlator) finalization(ev model.CompletionEvent) model.Finalization {
	f := model.Finalization{
		Transcript:      ev.Transcript,
		Summary:         ev.Summary,
		EndReason:       ev.EndReason,
		DurationSeconds: ev.DurationSeconds,
		CompletedAt:     c.now(),
	}

	status, outcome := classifier.StatusForEndReason(ev.EndReason)
	f.Status = status
	f.Outcome = outcome
	if status != model.CallCompleted {
		return f
	}

	r := c.Classifier.Classify(ev.Transcript, ev.EndReason)
	o := r.Outcome
	if !o.Valid() {
		o = model.OutcomeOther
	}
	f.Outcome = &o
	f.PromiseDate = r.PromiseDate
	f.PromiseAmount = r.PromiseAmount
	return f
}

func (c *Correlator) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return 24 * time.Hour
}

func (c *Correlator) suffixDigits() int {
	if c.SuffixDigits > 0 {
		return c.SuffixDigits
	}
	return 9
}
