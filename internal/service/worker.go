package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/queue"
)

// Worker consumes the scheduler's queue topics: advance requests and
// completion events forwarded by the simulated vendor or a webhook relay.
type Worker struct {
	Advancer   Advancer
	Correlator *Correlator
	Log        *zap.Logger
}

// Constructor
func NewWorker(advancer Advancer, correlator *Correlator, log *zap.Logger) *Worker {
	return &Worker{Advancer: advancer, Correlator: correlator, Log: log}
}

// Register subscribes the worker's handlers on q.
func (w *Worker) Register(q queue.Queue) error {
	if err := q.Subscribe(queue.TopicCampaignAdvance, w.HandleAdvance); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicCampaignAdvance, err)
	}
	if err := q.Subscribe(queue.TopicVendorCompletions, w.HandleCompletion); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicVendorCompletions, err)
	}
	return nil
}

// HandleAdvance runs one pass. Malformed messages are dropped; failed
// passes are left to the sweep rather than redelivered.
func (w *Worker) HandleAdvance(ctx context.Context, body []byte) error {
	var msg queue.AdvanceMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.CampaignID == 0 {
		w.Log.Warn("invalid advance message", zap.ByteString("body", body), zap.Error(err))
		return nil
	}
	if err := w.Advancer.Advance(ctx, msg.CampaignID); err != nil {
		w.Log.Warn("advance failed", zap.Int64("campaign_id", msg.CampaignID), zap.Error(err))
	}
	return nil
}

// HandleCompletion returns store errors so the queue redelivers.
func (w *Worker) HandleCompletion(ctx context.Context, body []byte) error {
	var ev model.CompletionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		w.Log.Warn("invalid completion message", zap.ByteString("body", body), zap.Error(err))
		return nil
	}
	_, err := w.Correlator.OnDelivery(ctx, body, ev)
	return err
}
