package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/next-trace/scg-bus-runtime/adapters/wire"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe delivers messages on subject to fn until the returned func is called.
	Subscribe(subject string, fn func(data []byte, headers map[string]string)) (unsubscribe func() error, err error)
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

// Transport implements bus.Transport over NATS subjects: broadcasts go to
// events.<type> and point-to-point sends to endpoints.<address>.
type Transport struct {
	client  Client
	address string
	router  *wire.Router
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]func() error // subject -> client unsubscribe
}

var (
	_ cbus.Transport  = (*Transport)(nil)
	_ cbus.BusService = (*Transport)(nil)
)

// New creates a NATS transport for the endpoint at address.
func New(c Client, address string, opts ...Option) *Transport {
	t := &Transport{
		client:  c,
		address: address,
		router:  wire.NewRouter(),
		logger:  slog.Default(),
		subs:    make(map[string]func() error),
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

func (t *Transport) Address() string { return t.address }

// ServiceName implements bus.Named.
func (t *Transport) ServiceName() string { return "nats-transport(" + t.address + ")" }

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	return t.publish(ctx, wire.EventSubject(env.MessageType), env, berr.ErrPublishFailed, "publish")
}

func (t *Transport) Send(ctx context.Context, env cbus.Envelope, destination string) error {
	return t.publish(ctx, wire.EndpointSubject(destination), env, berr.ErrSendFailed, "send")
}

func (t *Transport) publish(ctx context.Context, subject string, env cbus.Envelope, wrap error, label string) error {
	if err := t.ready(ctx, label); err != nil {
		return err
	}

	body, headers, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("nats %s: %w", label, err)
	}

	if err := t.client.Publish(subject, body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats %s %s: %w", label, subject, errors.Join(wrap, err))
	}

	return nil
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.client == nil {
		return fmt.Errorf("nats %s: %w", label, berr.ErrTransportNotReady)
	}

	return nil
}

// Subscribe registers h for messageType. The first handler of a type opens the
// events.<type> subscription; the last one to leave closes it.
func (t *Transport) Subscribe(messageType string, h cbus.EnvelopeHandler) (cbus.Unsubscribe, error) {
	if t.client == nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", messageType, berr.ErrTransportNotReady)
	}

	if err := t.open(wire.EndpointSubject(t.address)); err != nil {
		return nil, err
	}

	remove, first := t.router.Subscribe(messageType, h)
	if first {
		if err := t.open(wire.EventSubject(messageType)); err != nil {
			remove()
			return nil, err
		}
	}

	return func() {
		if remove() {
			t.close(wire.EventSubject(messageType))
		}
	}, nil
}

// Start opens the endpoint subscription and re-opens event subscriptions closed by Stop.
func (t *Transport) Start(context.Context, cbus.Bus) error {
	if t.client == nil {
		return fmt.Errorf("nats start: %w", berr.ErrTransportNotReady)
	}

	subjects := []string{wire.EndpointSubject(t.address)}
	for _, mt := range t.router.Types() {
		subjects = append(subjects, wire.EventSubject(mt))
	}

	for _, s := range subjects {
		if err := t.open(s); err != nil {
			return err
		}
	}

	return nil
}

// Stop closes every client subscription. Local handlers stay registered.
func (t *Transport) Stop(context.Context) error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]func() error)
	t.mu.Unlock()

	var errs []error

	for subject, unsub := range subs {
		if err := unsub(); err != nil {
			errs = append(errs, fmt.Errorf("nats unsubscribe %s: %w", subject, err))
		}
	}

	return errors.Join(errs...)
}

// Dispose releases any subscription left open.
func (t *Transport) Dispose() error { return t.Stop(context.Background()) }

func (t *Transport) open(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[subject]; ok {
		return nil
	}

	unsub, err := t.client.Subscribe(subject, t.inbound(subject))
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, errors.Join(berr.ErrSubscribeFailed, err))
	}

	t.subs[subject] = unsub

	return nil
}

func (t *Transport) close(subject string) {
	t.mu.Lock()
	unsub, ok := t.subs[subject]
	delete(t.subs, subject)
	t.mu.Unlock()

	if ok {
		if err := unsub(); err != nil {
			t.logger.Warn("nats unsubscribe failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}
}

func (t *Transport) inbound(subject string) func([]byte, map[string]string) {
	fallback := wire.TypeFromSubject(subject)

	return func(data []byte, headers map[string]string) {
		env := wire.Decode(data, headers, fallback)
		ctx := context.Background()

		if err := t.router.Dispatch(ctx, env); err != nil {
			t.logger.DebugContext(
				ctx,
				"nats delivery failed",
				slog.String("subject", subject),
				slog.String("message_type", env.MessageType),
				slog.String("error", err.Error()),
			)
		}
	}
}
