package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerUnavailable is returned by Send and Ping while the broker connection
// is down and being re-established. Send still reaches this instance's members.
var ErrBrokerUnavailable = errors.New("group: broker unavailable")

// Transport is the broker surface the RabbitMQ layer needs.
// *rabbitmq.Broker implements it.
type Transport interface {
	Bind(routingKey string) error
	Unbind(routingKey string) error
	Publish(ctx context.Context, routingKey string, body []byte) error
	Consume() (<-chan amqp.Delivery, error)
	Close() error
}

// Dialer opens a fresh broker connection.
type Dialer func() (Transport, error)

type RabbitMQOption func(*RabbitMQ)

// WithReconnectBackOff replaces the reconnect schedule.
func WithReconnectBackOff(fn func() backoff.BackOff) RabbitMQOption {
	return func(l *RabbitMQ) { l.newBackOff = fn }
}

type RabbitMQ struct {
	local *Memory
	dial  Dialer
	log   *slog.Logger

	// mu guards broker and orders bind/unbind against reconnect rebinding.
	mu     sync.Mutex
	broker Transport // nil while reconnecting

	newBackOff func() backoff.BackOff
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRabbitMQ dials the broker and starts dispatching deliveries to local members.
// When the delivery stream ends without Close, it redials with backoff and
// re-binds every group that still has local members.
func NewRabbitMQ(dial Dialer, log *slog.Logger, onFailure FailureFunc, opts ...RabbitMQOption) (*RabbitMQ, error) {
	broker, err := dial()
	if err != nil {
		return nil, err
	}
	deliveries, err := broker.Consume()
	if err != nil {
		_ = broker.Close()
		return nil, fmt.Errorf("rabbit consume: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &RabbitMQ{
		local:      NewMemory(onFailure),
		dial:       dial,
		log:        log,
		broker:     broker,
		newBackOff: defaultReconnectBackOff,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.run(deliveries)
	return l, nil
}

func defaultReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Join binds this instance to group when its first local member arrives. While
// the broker is down the member is only added locally; reconnect binds it.
func (l *RabbitMQ) Join(_ context.Context, group string, m Member) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	first, err := l.local.join(group, m)
	if err != nil {
		return err
	}
	if !first || l.broker == nil {
		return nil
	}
	if err := l.broker.Bind(group); err != nil {
		l.local.leave(group, m)
		return fmt.Errorf("bind group %s: %w", group, err)
	}
	return nil
}

// Leave unbinds group once its last local member is gone.
func (l *RabbitMQ) Leave(_ context.Context, group string, m Member) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.local.leave(group, m) || l.broker == nil {
		return nil
	}
	if err := l.broker.Unbind(group); err != nil {
		return fmt.Errorf("unbind group %s: %w", group, err)
	}
	return nil
}

// Send publishes to the exchange. Local members receive the message back through
// this instance's queue, so every member sees one ordering. Without a broker the
// message goes to local members directly and ErrBrokerUnavailable is returned.
func (l *RabbitMQ) Send(ctx context.Context, group string, msg []byte) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	l.mu.Lock()
	broker := l.broker
	l.mu.Unlock()

	if broker == nil {
		if err := l.local.Send(ctx, group, msg); err != nil {
			return err
		}
		return fmt.Errorf("send group %s: %w", group, ErrBrokerUnavailable)
	}
	if err := broker.Publish(ctx, group, msg); err != nil {
		return fmt.Errorf("publish group %s: %w", group, err)
	}
	return nil
}

// Ping reports whether the broker connection is up.
func (l *RabbitMQ) Ping(context.Context) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broker == nil {
		return ErrBrokerUnavailable
	}
	return nil
}

func (l *RabbitMQ) Close() error {
	l.cancel()
	l.mu.Lock()
	broker := l.broker
	l.broker = nil
	l.mu.Unlock()

	var err error
	if broker != nil {
		err = broker.Close()
	}
	<-l.done
	_ = l.local.Close()
	return err
}

func (l *RabbitMQ) run(deliveries <-chan amqp.Delivery) {
	defer close(l.done)
	for {
		l.dispatch(deliveries)
		if l.ctx.Err() != nil {
			return
		}

		l.log.Error("group broker connection lost, reconnecting")
		l.mu.Lock()
		if l.broker != nil {
			_ = l.broker.Close()
			l.broker = nil
		}
		l.mu.Unlock()

		next, err := l.reconnect()
		if err != nil {
			return
		}
		deliveries = next
	}
}

func (l *RabbitMQ) dispatch(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if d.RoutingKey == "" {
			continue
		}
		if err := l.local.Send(context.Background(), d.RoutingKey, d.Body); err != nil {
			l.log.Debug("group dispatch skipped", "group", d.RoutingKey, "err", err)
		}
	}
}

// reconnect blocks until a new broker is consuming with every local group bound,
// or until Close.
func (l *RabbitMQ) reconnect() (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	op := func() error {
		broker, err := l.dial()
		if err != nil {
			return err
		}
		d, err := broker.Consume()
		if err != nil {
			_ = broker.Close()
			return fmt.Errorf("rabbit consume: %w", err)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.ctx.Err() != nil {
			_ = broker.Close()
			return backoff.Permanent(ErrClosed)
		}
		for _, g := range l.local.groupNames() {
			if err := broker.Bind(g); err != nil {
				_ = broker.Close()
				return fmt.Errorf("rebind group %s: %w", g, err)
			}
		}
		l.broker = broker
		deliveries = d
		return nil
	}
	err := backoff.RetryNotify(op, backoff.WithContext(l.newBackOff(), l.ctx), func(err error, wait time.Duration) {
		l.log.Warn("group broker reconnect failed", "err", err, "retry_in", wait)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("group broker reconnected")
	return deliveries, nil
}
