package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AdvanceTrigger requests a scheduler pass by publishing to TopicCampaignAdvance.
type AdvanceTrigger struct {
	Queue Queue
}

func (t *AdvanceTrigger) Advance(_ context.Context, campaignID int64) error {
	return t.Queue.Publish(TopicCampaignAdvance, AdvanceMessage{CampaignID: campaignID})
}

// Rescheduler publishes a delayed advance request. At most one timer is
// pending per campaign; further requests while it is pending are dropped.
type Rescheduler struct {
	Queue Queue
	Delay time.Duration
	log   *zap.Logger

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	stopped bool
}

func NewRescheduler(q Queue, delay time.Duration, log *zap.Logger) *Rescheduler {
	return &Rescheduler{
		Queue:  q,
		Delay:  delay,
		log:    log,
		timers: make(map[int64]*time.Timer),
	}
}

// Reschedule reports whether a new timer was armed.
func (r *Rescheduler) Reschedule(campaignID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	if _, pending := r.timers[campaignID]; pending {
		return false
	}
	r.timers[campaignID] = time.AfterFunc(r.Delay, func() {
		r.mu.Lock()
		delete(r.timers, campaignID)
		r.mu.Unlock()

		if err := r.Queue.Publish(TopicCampaignAdvance, AdvanceMessage{CampaignID: campaignID}); err != nil {
			r.log.Warn("reschedule publish failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
		}
	})
	return true
}

// Pending returns the number of armed timers.
func (r *Rescheduler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop disarms every pending timer.
func (r *Rescheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
