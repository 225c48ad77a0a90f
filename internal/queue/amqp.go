package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue maps each topic to a durable queue on the default exchange.
// Failed deliveries are republished with an incremented retry header and
// dropped once MaxRetries is reached.
type AMQPQueue struct {
	conn *amqp.Connection
	log  *zap.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	MaxRetries int
	Prefetch   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialAMQP connects to url and opens the publishing channel.
func DialAMQP(url string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open a channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		conn:       conn,
		log:        log,
		pubCh:      ch,
		MaxRetries: 3,
		Prefetch:   8,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return nil
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if err := declare(q.pubCh, topic); err != nil {
		return err
	}
	return q.pubCh.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return q.publish(topic, body, 0)
}

// Subscribe starts a consumer on its own channel with manual acks.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open a channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(q.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer on %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-q.ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				q.handle(topic, handler, d)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, handler Handler, d amqp.Delivery) {
	err := handler(q.ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= q.MaxRetries {
		q.log.Error("message permanently failed",
			zap.String("topic", topic), zap.Int("attempts", retries+1), zap.Error(err))
		d.Nack(false, false)
		return
	}

	q.log.Warn("message failed, requeueing",
		zap.String("topic", topic), zap.Int("attempt", retries+1), zap.Error(err))
	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		q.log.Error("requeue failed", zap.String("topic", topic), zap.Error(perr))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close stops consumers and closes the connection.
func (q *AMQPQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.pubMu.Lock()
	q.pubCh.Close()
	q.pubMu.Unlock()
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
