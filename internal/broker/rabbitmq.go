package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const rabbitPrefetch = 16

// Rabbit is an amqp091 backed Broker. Each topic maps to a durable topic
// exchange and a same-named durable queue bound with "#"; messages publish
// with an empty routing key.
type Rabbit struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

func NewRabbit(url string) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	return &Rabbit{conn: conn, pubCh: ch, declared: make(map[string]bool)}, nil
}

// declareTopology is idempotent; RabbitMQ treats re-declares of identical
// entities as no-ops.
func (r *Rabbit) declareTopology(ch *amqp.Channel, topic string) error {
	r.mu.Lock()
	done := r.declared[topic]
	r.mu.Unlock()
	if done {
		return nil
	}

	if err := ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := ch.QueueBind(topic, "#", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topic, err)
	}

	r.mu.Lock()
	r.declared[topic] = true
	r.mu.Unlock()
	return nil
}

func (r *Rabbit) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	ch := r.pubCh
	r.mu.Unlock()

	if err := r.declareTopology(ch, topic); err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes.
	r.mu.Lock()
	defer r.mu.Unlock()
	err := ch.PublishWithContext(ctx, topic, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", topic, err)
	}
	return nil
}

func (r *Rabbit) Consume(ctx context.Context, topic string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if err := r.declareTopology(ch, topic); err != nil {
		return err
	}
	if err := ch.Qos(rabbitPrefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbitmq delivery channel closed")
			}
			if err := h(ctx, d.Body); err != nil {
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}

func (r *Rabbit) Ping(context.Context) error {
	if r.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.pubCh != nil {
		r.pubCh.Close()
	}
	return r.conn.Close()
}
