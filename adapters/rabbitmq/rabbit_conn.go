package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Concrete AMQP connection-backed constructor with auto-reconnect for both
// publishing and consuming.

const (
	integrationExchange   = "integration"
	integrationExchangeTy = "topic"
)

type Config struct {
	URL         string
	Address     string
	Exchange    string
	ConnTimeout time.Duration
	Logger      *slog.Logger
}

type consumer struct {
	tag        string
	routingKey string
	fn         func([]byte, map[string]string)
	ch         *amqp.Channel
}

type reconnectingConn struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	consumers map[string]*consumer // by tag
	closed    chan struct{}
	ready     chan struct{} // closed when a channel is ready
}

func newReconnectingConn(cfg Config) (*reconnectingConn, func()) {
	if cfg.Exchange == "" {
		cfg.Exchange = integrationExchange
	}

	rc := &reconnectingConn{
		cfg:       cfg,
		logger:    cfg.Logger,
		consumers: make(map[string]*consumer),
		closed:    make(chan struct{}),
		ready:     make(chan struct{}),
	}
	if rc.logger == nil {
		rc.logger = slog.Default()
	}

	go rc.run()
	cleanup := func() { rc.close() }

	return rc, cleanup
}

func (rc *reconnectingConn) Publish(ctx context.Context, m PubMsg) error {
	// Fast path: ensure channel available
	rc.mu.RLock()
	ch, ready := rc.ch, rc.ready
	rc.mu.RUnlock()

	if ch == nil {
		// Wait for readiness or context cancellation
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}

		rc.mu.RLock()
		ch = rc.ch
		rc.mu.RUnlock()

		if ch == nil {
			return fmt.Errorf("%w: rabbitmq not connected", berr.ErrTransportNotReady)
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      toTable(m.Headers),
			ContentType:  "application/json",
			Body:         m.Body,
		},
	)
}

// Consume registers a consumer. It is (re)bound on every successful connection.
func (rc *reconnectingConn) Consume(routingKey string, fn func([]byte, map[string]string)) (func() error, error) {
	c := &consumer{
		tag:        "scg-bus-" + uuid.NewString(),
		routingKey: routingKey,
		fn:         fn,
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn != nil {
		if err := rc.startConsumer(rc.conn, c); err != nil {
			return nil, err
		}
	}

	rc.consumers[c.tag] = c

	return func() error {
		rc.mu.Lock()
		defer rc.mu.Unlock()

		delete(rc.consumers, c.tag)

		return stopConsumer(c)
	}, nil
}

// startConsumer binds an exclusive auto-delete queue for c. Callers hold rc.mu.
func (rc *reconnectingConn) startConsumer(conn *amqp.Connection, c *consumer) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	if err := ch.QueueBind(q.Name, c.routingKey, rc.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, c.tag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.ch = ch

	go func() {
		for d := range deliveries {
			c.fn(d.Body, fromTable(d.Headers))
		}
	}()

	return nil
}

func stopConsumer(c *consumer) error {
	if c.ch == nil {
		return nil
	}

	ch := c.ch
	c.ch = nil

	if err := ch.Cancel(c.tag, false); err != nil {
		_ = ch.Close()
		return err
	}

	return ch.Close()
}

func (rc *reconnectingConn) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	reconnect := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := amqp.DialConfig(rc.cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-bus-runtime"},
			Dial:       amqp.DefaultDial(rc.cfg.ConnTimeout),
		})
		if err != nil {
			return nil, nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}

		if err := ch.ExchangeDeclare(
			rc.cfg.Exchange,
			integrationExchangeTy,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()

			return nil, nil, err
		}

		return conn, ch, nil
	}

	for {
		select {
		case <-rc.closed:
			return
		default:
		}

		conn, ch, err := reconnect()
		if err != nil {
			rc.logger.Warn("rabbitmq connect failed", slog.String("error", err.Error()), slog.Duration("backoff", backoff))

			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}

			t := time.NewTimer(sleep)
			select {
			case <-rc.closed:
				t.Stop()
				return
			case <-t.C:
			}

			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}

			continue
		}

		// success
		backoff = time.Second

		rc.mu.Lock()
		rc.conn = conn
		rc.ch = ch

		for _, c := range rc.consumers {
			if err := rc.startConsumer(conn, c); err != nil {
				rc.logger.Error(
					"rabbitmq consumer rebind failed",
					slog.String("routing_key", c.routingKey),
					slog.String("error", err.Error()),
				)
			}
		}

		// signal readiness to publishers waiting on the current ready channel
		select {
		case <-rc.ready:
		default:
			close(rc.ready)
		}
		rc.mu.Unlock()

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rc.closed:
			return
		case <-notify:
			rc.mu.Lock()
			_ = ch.Close()
			_ = conn.Close()
			rc.conn = nil
			rc.ch = nil
			rc.ready = make(chan struct{})

			for _, c := range rc.consumers {
				c.ch = nil
			}
			rc.mu.Unlock()
			// loop to reconnect
		}
	}
}

func (rc *reconnectingConn) close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	select {
	case <-rc.closed:
		// already closed
		return
	default:
		close(rc.closed)
	}

	for _, c := range rc.consumers {
		_ = stopConsumer(c)
	}

	if rc.ch != nil {
		_ = rc.ch.Close()
		rc.ch = nil
	}

	if rc.conn != nil {
		_ = rc.conn.Close()
		rc.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, ensures the exchange, and returns
// a Transport and cleanup.
func NewWithAMQPConn(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrTransportNotReady)
	}

	if cfg.Address == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq endpoint address required", berr.ErrTransportNotReady)
	}

	rc, cleanup := newReconnectingConn(cfg)
	tr := New(rc, rc, cfg.Address, WithExchange(rc.cfg.Exchange), WithLogger(cfg.Logger))

	return tr, cleanup, nil
}
