package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// TopicCampaignAdvance carries AdvanceMessage.
	TopicCampaignAdvance = "campaign_advance"
	// TopicVendorCompletions carries model.CompletionEvent.
	TopicVendorCompletions = "vendor_completions"
)

// Handler processes one message body. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	// Publish JSON-encodes payload and delivers it to the topic's subscribers.
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// AdvanceMessage asks a consumer to run one scheduler pass.
type AdvanceMessage struct {
	CampaignID int64 `json:"campaign_id"`
}

// InMemoryQueue delivers in-process with retry and linear backoff.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	log      *zap.Logger

	MaxRetries int
	Backoff    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		log:        log,
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	q.mu.Lock()
	handlers := q.handlers[topic]
	closed := q.ctx.Err() != nil
	if !closed {
		q.wg.Add(len(handlers))
	}
	q.mu.Unlock()

	if closed {
		return fmt.Errorf("queue closed")
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		go q.processJob(topic, handler, body)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler Handler, body []byte) {
	defer q.wg.Done()

	for attempt := 0; ; attempt++ {
		err := handler(q.ctx, body)
		if err == nil {
			return
		}
		if attempt >= q.MaxRetries {
			q.log.Error("job permanently failed",
				zap.String("topic", topic), zap.Int("attempts", attempt+1), zap.Error(err))
			return
		}
		q.log.Warn("job failed, retrying",
			zap.String("topic", topic), zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * q.Backoff):
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops retries and waits for running handlers.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
