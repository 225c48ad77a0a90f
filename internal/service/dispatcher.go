package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/metrics"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
	"github.com/unclebandit/voicecampaign-backend/internal/vendor"
)

type DispatchResult string

const (
	DispatchDispatched DispatchResult = "dispatched"
	DispatchRequeued   DispatchResult = "requeued"
	DispatchFailed     DispatchResult = "failed"
	DispatchSkipped    DispatchResult = "skipped"
)

const (
	inProgressWriteAttempts = 3
	inProgressRetryDelay    = 100 * time.Millisecond
)

// Dispatcher places one claimed call with the vendor and records the result
// on that call only.
type Dispatcher struct {
	Store   repository.Store
	Vendor  vendor.VoiceClient
	Script  ScriptContextProvider
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Dispatch expects call to be QUEUED and phoneNumberID to be the business's
// telephony identity. The returned error is only set for store failures.
// When it comes with DispatchDispatched the vendor accepted the call and the
// row is still QUEUED; it must not be released.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *model.Campaign, call *model.CampaignCall, phoneNumberID string) (DispatchResult, error) {
	log := d.Log.With(zap.Int64("campaign_id", campaign.ID), zap.Int64("call_id", call.ID))

	if call.Status != model.CallQueued {
		log.Warn("dispatch skipped, call not queued", zap.String("status", string(call.Status)))
		d.Metrics.Dispatch(string(DispatchSkipped))
		return DispatchSkipped, nil
	}

	var script model.Payload
	if d.Script != nil {
		script = d.Script.Build(campaign, call)
	}

	correlationID, err := d.Vendor.PlaceCall(ctx, vendor.CallRequest{
		PhoneNumberID: phoneNumberID,
		Phone:         call.Phone,
		Name:          call.RecipientName,
		Context:       script,
	})
	if err == nil {
		ok, serr := d.recordInProgress(ctx, call.ID, correlationID)
		if serr != nil {
			log.Error("call placed but not recorded, leaving it QUEUED",
				zap.String("correlation_id", correlationID), zap.Error(serr))
			return DispatchDispatched, fmt.Errorf("mark call %d in progress: %w", call.ID, serr)
		}
		if !ok {
			// Cancelled while the vendor request was in flight. The vendor call
			// is live; its completion will find no IN_PROGRESS row.
			log.Warn("call left QUEUED during dispatch", zap.String("correlation_id", correlationID))
			d.Metrics.Dispatch(string(DispatchSkipped))
			return DispatchSkipped, nil
		}
		log.Info("call dispatched", zap.String("correlation_id", correlationID))
		d.Metrics.Dispatch(string(DispatchDispatched))
		return DispatchDispatched, nil
	}

	attempt := call.RetryCount + 1
	if appErrors.IsRetryable(err) && call.RetryCount < campaign.MaxRetriesPerCall {
		note := fmt.Sprintf("[%s] attempt %d failed: %v", d.now().Format(time.RFC3339), attempt, err)
		ok, serr := d.Store.RequeueCall(ctx, call.ID, note, d.now())
		if serr != nil {
			return "", fmt.Errorf("requeue call %d: %w", call.ID, serr)
		}
		if !ok {
			d.Metrics.Dispatch(string(DispatchSkipped))
			return DispatchSkipped, nil
		}
		log.Warn("dispatch failed, requeued", zap.Int("attempt", attempt), zap.Error(err))
		d.Metrics.Dispatch(string(DispatchRequeued))
		return DispatchRequeued, nil
	}

	note := fmt.Sprintf("dispatch failed after %d attempts: %v", attempt, err)
	ok, serr := d.Store.FailCall(ctx, call.ID, note, d.now())
	if serr != nil {
		return "", fmt.Errorf("fail call %d: %w", call.ID, serr)
	}
	if !ok {
		d.Metrics.Dispatch(string(DispatchSkipped))
		return DispatchSkipped, nil
	}
	log.Error("dispatch failed permanently", zap.Int("attempts", attempt), zap.Error(err))
	d.Metrics.Dispatch(string(DispatchFailed))
	return DispatchFailed, nil
}

// recordInProgress stores the vendor's correlation id for a placed call. The
// vendor call is live, so the write outlives ctx and is retried.
func (d *Dispatcher) recordInProgress(ctx context.Context, id int64, correlationID string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < inProgressWriteAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * inProgressRetryDelay)
		}
		var ok bool
		if ok, err = d.Store.MarkCallInProgress(ctx, id, correlationID, d.now()); err == nil {
			return ok, nil
		}
	}
	return false, err
}
