package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-bus-runtime/adapters/wire"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Consumer binds a private queue to routingKey on the integration exchange and
// delivers its messages to fn until the returned cancel func is called.
type Consumer interface {
	Consume(routingKey string, fn func(body []byte, headers map[string]string)) (cancel func() error, err error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for inbound delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithPropagator configures a HeaderPropagator for context propagation.
func WithPropagator(hp cbus.HeaderPropagator) Option {
	return func(t *Transport) { t.propagator = hp }
}

// WithExchange overrides the exchange messages are published to.
func WithExchange(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.exchange = name
		}
	}
}

// Transport implements bus.Transport over a topic exchange: broadcasts use the
// routing key events.<type> and point-to-point sends endpoints.<address>.
type Transport struct {
	publisher  Publisher
	consumer   Consumer
	address    string
	exchange   string
	propagator cbus.HeaderPropagator // optional, for context propagation into headers
	router     *wire.Router
	logger     *slog.Logger

	mu        sync.Mutex
	consumers map[string]func() error // routing key -> cancel
}

var (
	_ cbus.Transport  = (*Transport)(nil)
	_ cbus.BusService = (*Transport)(nil)
)

// New creates a RabbitMQ transport for the endpoint at address. consumer may be nil
// for publish-only endpoints.
func New(p Publisher, c Consumer, address string, opts ...Option) *Transport {
	t := &Transport{
		publisher: p,
		consumer:  c,
		address:   address,
		exchange:  integrationExchange,
		router:    wire.NewRouter(),
		logger:    slog.Default(),
		consumers: make(map[string]func() error),
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

func (t *Transport) Address() string { return t.address }

// ServiceName implements bus.Named.
func (t *Transport) ServiceName() string { return "rabbitmq-transport(" + t.address + ")" }

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	return t.publish(ctx, wire.EventSubject(env.MessageType), env, berr.ErrPublishFailed, "publish")
}

func (t *Transport) Send(ctx context.Context, env cbus.Envelope, destination string) error {
	return t.publish(ctx, wire.EndpointSubject(destination), env, berr.ErrSendFailed, "send")
}

func (t *Transport) publish(ctx context.Context, routingKey string, env cbus.Envelope, wrap error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.publisher == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, berr.ErrTransportNotReady)
	}

	body, hdrs, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("rabbitmq %s: %w", label, err)
	}

	// Inject tracing context via configured propagator (keeps adapter decoupled)
	if t.propagator != nil {
		t.propagator.Inject(ctx, hdrs)
	}

	msg := PubMsg{
		Exchange:   t.exchange,
		RoutingKey: routingKey,
		Body:       body,
		Headers:    hdrs,
	}
	if err := t.publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq %s %s: %w", label, routingKey, errors.Join(wrap, err))
	}

	return nil
}

// Subscribe registers h for messageType, binding a queue to events.<type> for the
// first handler and cancelling it when the last one leaves.
func (t *Transport) Subscribe(messageType string, h cbus.EnvelopeHandler) (cbus.Unsubscribe, error) {
	if t.consumer == nil {
		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", messageType, berr.ErrTransportNotReady)
	}

	if err := t.consume(wire.EndpointSubject(t.address)); err != nil {
		return nil, err
	}

	remove, first := t.router.Subscribe(messageType, h)
	if first {
		if err := t.consume(wire.EventSubject(messageType)); err != nil {
			remove()
			return nil, err
		}
	}

	return func() {
		if remove() {
			t.cancel(wire.EventSubject(messageType))
		}
	}, nil
}

// Start binds the endpoint queue and re-binds event queues cancelled by Stop.
func (t *Transport) Start(context.Context, cbus.Bus) error {
	if t.consumer == nil {
		return nil
	}

	keys := []string{wire.EndpointSubject(t.address)}
	for _, mt := range t.router.Types() {
		keys = append(keys, wire.EventSubject(mt))
	}

	for _, k := range keys {
		if err := t.consume(k); err != nil {
			return err
		}
	}

	return nil
}

// Stop cancels every consumer. Local handlers stay registered.
func (t *Transport) Stop(context.Context) error {
	t.mu.Lock()
	consumers := t.consumers
	t.consumers = make(map[string]func() error)
	t.mu.Unlock()

	var errs []error

	for key, cancel := range consumers {
		if err := cancel(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq cancel %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// Dispose cancels any consumer left running.
func (t *Transport) Dispose() error { return t.Stop(context.Background()) }

func (t *Transport) consume(routingKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.consumers[routingKey]; ok {
		return nil
	}

	cancel, err := t.consumer.Consume(routingKey, t.inbound(routingKey))
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", routingKey, errors.Join(berr.ErrSubscribeFailed, err))
	}

	t.consumers[routingKey] = cancel

	return nil
}

func (t *Transport) cancel(routingKey string) {
	t.mu.Lock()
	cancel, ok := t.consumers[routingKey]
	delete(t.consumers, routingKey)
	t.mu.Unlock()

	if ok {
		if err := cancel(); err != nil {
			t.logger.Warn("rabbitmq cancel failed", slog.String("routing_key", routingKey), slog.String("error", err.Error()))
		}
	}
}

func (t *Transport) inbound(routingKey string) func([]byte, map[string]string) {
	fallback := wire.TypeFromSubject(routingKey)

	return func(body []byte, headers map[string]string) {
		env := wire.Decode(body, headers, fallback)
		ctx := context.Background()

		if err := t.router.Dispatch(ctx, env); err != nil {
			t.logger.DebugContext(
				ctx,
				"rabbitmq delivery failed",
				slog.String("routing_key", routingKey),
				slog.String("message_type", env.MessageType),
				slog.String("error", err.Error()),
			)
		}
	}
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	h := amqp.Table{}
	for k, v := range headers {
		h[k] = v
	}

	return h
}

func fromTable(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}

	return out
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:     toTable(m.Headers),
			Body:        m.Body,
			ContentType: "application/json",
		},
	)
}

// NewWithAMQPChannel creates a publish-only transport over an existing channel.
func NewWithAMQPChannel(ch *amqp.Channel, address string, opts ...Option) *Transport {
	return New(amqpChannelPublisher{ch: ch}, nil, address, opts...)
}
