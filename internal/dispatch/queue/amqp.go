package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	reconnectDelay  = 5 * time.Second
	publishTimeout  = 30 * time.Second
	defaultPrefetch = 16
)

// AMQP keeps jobs in a durable RabbitMQ queue. Delayed jobs are published to a companion queue with
// a per-message TTL whose dead-letter target is the work queue.
type AMQP struct {
	url      string
	name     string
	prefetch int
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	publish *amqp.Channel
	done    chan struct{}
	closed  bool
}

func NewAMQP(url, name string, prefetch int, log *zap.Logger) *AMQP {
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	return &AMQP{
		url:      url,
		name:     name,
		prefetch: prefetch,
		log:      log.Named("dispatch.queue.amqp"),
		done:     make(chan struct{}),
	}
}

func delayQueueName(name string) string {
	return name + ".delay"
}

func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

// Connect dials the broker and declares both queues.
func (q *AMQP) Connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connectLocked()
}

func (q *AMQP) connectLocked() error {
	if q.closed {
		return ErrQueueClosed
	}
	if q.conn != nil && !q.conn.IsClosed() && q.publish != nil && !q.publish.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	if err := declare(ch, q.name); err != nil {
		_ = conn.Close()
		return err
	}

	q.conn = conn
	q.publish = ch
	q.log.Info("amqp queue connected", zap.String("queue", q.name))
	return nil
}

func declare(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	_, err := ch.QueueDeclare(delayQueueName(name), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	})
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", delayQueueName(name), err)
	}
	return nil
}

func (q *AMQP) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := job.encode()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    job.EnqueuedAt,
		Body:         body,
	}
	routingKey := q.name
	if delay > 0 {
		routingKey = delayQueueName(q.name)
		msg.Expiration = expiration(delay)
	}

	q.mu.Lock()
	if err := q.connectLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	ch := q.publish
	q.mu.Unlock()

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(pubCtx, "", routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	acked, err := confirm.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("confirm job: %w", err)
	}
	if !acked {
		return errors.New("broker nacked job")
	}
	return nil
}

// Consume delivers jobs until ctx ends, re-establishing the consumer after connection loss.
func (q *AMQP) Consume(ctx context.Context) (<-chan Job, error) {
	if err := q.Connect(); err != nil {
		return nil, err
	}
	out := make(chan Job)
	go q.consumeLoop(ctx, out)
	return out, nil
}

func (q *AMQP) consumeLoop(ctx context.Context, out chan<- Job) {
	defer close(out)
	for {
		deliveries, ch, err := q.openConsumer()
		if err != nil {
			q.log.Warn("amqp consumer unavailable", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if stop := q.forward(ctx, deliveries, out); stop {
			_ = ch.Close()
			return
		}
		q.log.Warn("amqp consumer channel closed, reconnecting")
	}
}

func (q *AMQP) openConsumer() (<-chan amqp.Delivery, *amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(); err != nil {
		return nil, nil, err
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

func (q *AMQP) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Job) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-q.done:
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			job, err := decodeJob(d.Body)
			if err != nil {
				q.log.Error("dropping malformed dispatch job", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			delivery := d
			job.ack = func() error { return delivery.Ack(false) }
			job.nack = func(requeue bool) error { return delivery.Nack(false, requeue) }
			select {
			case out <- job:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return true
			}
		}
	}
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
