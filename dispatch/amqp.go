package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/malwarebo/mentorpay/resilience"
	"github.com/malwarebo/mentorpay/utils"
)

const (
	headerAttempt   = "x-attempt"
	headerPaymentID = "x-payment-id"
	headerError     = "x-last-error"
)

type AMQPConfig struct {
	URL         string
	Exchange    string
	Queue       string
	Prefetch    int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c AMQPConfig) retryQueue() string { return c.Queue + ".retry" }
func (c AMQPConfig) deadQueue() string  { return c.Queue + ".dlq" }

func (c AMQPConfig) backoff(attempt int) time.Duration {
	return resilience.Backoff(resilience.RetryConfig{
		InitialDelay: c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   2,
	}, attempt)
}

// publisher sends one message and waits for the broker to confirm it.
type publisher interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

type confirmingPublisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

func (p *confirmingPublisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("broker nacked message")
	}
	return nil
}

// AMQPBroker is the RabbitMQ dispatch channel. Published events land on a
// durable queue bound to a topic exchange. Failed deliveries wait in a
// retry queue whose per-message TTL dead-letters them back to the work
// queue, and deliveries that exhaust their attempts are moved to a DLQ.
type AMQPBroker struct {
	cfg    AMQPConfig
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	consCh *amqp.Channel
	pub    publisher
}

func DialAMQP(cfg AMQPConfig) (*AMQPBroker, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 24 * time.Hour
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	b := &AMQPBroker{cfg: cfg, conn: conn}
	if err := b.setup(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) setup() error {
	var err error
	if b.pubCh, err = b.conn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := b.pubCh.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pub = &confirmingPublisher{ch: b.pubCh}

	if b.consCh, err = b.conn.Channel(); err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := b.consCh.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	ch := b.consCh
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(b.cfg.Queue, "payment.#", b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.retryQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.cfg.Queue,
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.deadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	return nil
}

// Dispatch publishes the event persistently and returns once the broker has
// confirmed it.
func (b *AMQPBroker) Dispatch(ctx context.Context, event *Event) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Topic,
		Timestamp:    event.OccurredAt,
		Headers: amqp.Table{
			headerAttempt:   int32(event.Attempt),
			headerPaymentID: event.PaymentID,
		},
		Body: event.Payload,
	}
	if err := b.pub.publish(ctx, b.cfg.Exchange, event.Topic, msg); err != nil {
		return utils.TransientFailure("dispatch.publish", err)
	}
	return nil
}

// Consume runs handler over the work queue until ctx is cancelled.
func (b *AMQPBroker) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := b.consCh.ConsumeWithContext(ctx, b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.cfg.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			b.handle(ctx, d, handler)
		}
	}
}

func (b *AMQPBroker) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	event := eventFromDelivery(d)
	handlerErr := handler(ctx, event)
	act := decide(handlerErr, event.Attempt, b.cfg.MaxAttempts)
	logOutcome(ctx, event, act, handlerErr)

	var err error
	switch act {
	case actionRetry:
		msg := republish(d, event.Attempt+1, handlerErr)
		msg.Expiration = strconv.FormatInt(b.cfg.backoff(event.Attempt).Milliseconds(), 10)
		err = b.pub.publish(ctx, "", b.cfg.retryQueue(), msg)
	case actionPark:
		err = b.pub.publish(ctx, "", b.cfg.deadQueue(), republish(d, event.Attempt, handlerErr))
	}

	if err != nil {
		utils.LogError(ctx, err, "failed to reroute delivery, requeueing", map[string]interface{}{
			"event_id": event.ID,
		})
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (b *AMQPBroker) Close() error {
	if b.consCh != nil {
		_ = b.consCh.Close()
	}
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func eventFromDelivery(d amqp.Delivery) *Event {
	event := &Event{
		ID:         d.MessageId,
		Topic:      d.Type,
		Payload:    d.Body,
		Attempt:    attemptFromHeaders(d.Headers),
		OccurredAt: d.Timestamp,
	}
	if event.Topic == "" {
		event.Topic = d.RoutingKey
	}
	if id, ok := d.Headers[headerPaymentID].(string); ok {
		event.PaymentID = id
	}
	return event
}

func attemptFromHeaders(headers amqp.Table) int {
	switch v := headers[headerAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

func republish(d amqp.Delivery, attempt int, cause error) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerAttempt] = int32(attempt)
	if cause != nil {
		headers[headerError] = cause.Error()
	}
	return amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Body:         d.Body,
	}
}
