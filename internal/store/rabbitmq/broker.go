package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker carries group traffic between server instances. Every instance owns one
// exclusive, server-named queue bound to a shared direct exchange; the routing key
// is the group name, so an instance only receives traffic for groups it has local
// members in.
type Broker struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	sub      *amqp.Channel
	exchange string
	queue    string
}

func Dial(url, exchange string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}

	cleanup := func() {
		_ = sub.Close()
		_ = pub.Close()
		_ = conn.Close()
	}

	if err := pub.ExchangeDeclare(
		exchange,
		amqp.ExchangeDirect,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		cleanup()
		return nil, fmt.Errorf("exchange declare %s: %w", exchange, err)
	}

	// per-instance queue: gone when this process disconnects
	q, err := sub.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	return &Broker{conn: conn, pub: pub, sub: sub, exchange: exchange, queue: q.Name}, nil
}

func (b *Broker) Queue() string { return b.queue }

func (b *Broker) Bind(routingKey string) error {
	return b.sub.QueueBind(b.queue, routingKey, b.exchange, false, nil)
}

func (b *Broker) Unbind(routingKey string) error {
	return b.sub.QueueUnbind(b.queue, routingKey, b.exchange, nil)
}

// Consume starts delivery from this instance's queue. Deliveries are auto-acked:
// group traffic is best-effort and never redelivered.
func (b *Broker) Consume() (<-chan amqp.Delivery, error) {
	return b.sub.Consume(b.queue, "", true, true, false, false, nil)
}

func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return b.pub.PublishWithContext(cctx,
		b.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

func (b *Broker) Close() error {
	if b.sub != nil {
		_ = b.sub.Close()
	}
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
