package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
	"github.com/next-trace/scg-bus-runtime/correlation"
	"github.com/next-trace/scg-bus-runtime/lifecycle"
)

// Bus hosts messaging over a Transport and the lifecycle of its bus services.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	cfg       Config
	transport cbus.Transport
	logger    *slog.Logger
	metrics   *metrics

	// subscription middleware executed in registration order
	mw []HandlerMiddleware

	registry  *correlation.Registry
	container *lifecycle.Container

	subMu        sync.Mutex
	responseSubs map[string]*responseSubscription
}

// HandlerMiddleware wraps subscription handler execution.
type HandlerMiddleware func(next cbus.EnvelopeHandler) cbus.EnvelopeHandler

var _ cbus.Bus = (*Bus)(nil)

// New constructs a Bus over transport. When the transport is also a BusService it is
// registered in the network layer so that it starts first and stops last.
func New(transport cbus.Transport, opts ...BusOption) *Bus {
	b := &Bus{
		cfg:          DefaultConfig(),
		transport:    transport,
		registry:     correlation.NewRegistry(),
		responseSubs: make(map[string]*responseSubscription),
	}

	for _, o := range opts {
		o(b)
	}

	b.logger = b.cfg.Logger
	b.metrics = newMetrics(b.cfg.Registerer)
	b.container = lifecycle.New(
		b,
		lifecycle.WithLogger(b.logger),
		lifecycle.WithFaultObserver(b.metrics.observeFault),
	)

	if svc, ok := transport.(cbus.BusService); ok {
		_ = b.container.AddService(cbus.LayerNetwork, svc)
	}

	return b
}

// Address returns the endpoint address responses are sent to.
func (b *Bus) Address() string {
	if b.transport == nil {
		return ""
	}

	return b.transport.Address()
}

// AddService registers a bus service. It is only valid before Start.
func (b *Bus) AddService(layer cbus.ServiceLayer, svc cbus.BusService) error {
	return b.container.AddService(layer, svc)
}

// Start starts the registered services. See lifecycle.Container.Start.
func (b *Bus) Start(ctx context.Context) error { return b.container.Start(ctx) }

// Stop stops the registered services in reverse start order.
func (b *Bus) Stop(ctx context.Context) error { return b.container.Stop(ctx) }

// State returns the lifecycle state of the bus services.
func (b *Bus) State() lifecycle.State { return b.container.State() }

// PendingRequests returns the number of requests awaiting a response.
func (b *Bus) PendingRequests() int { return b.registry.Len() }

// Close stops a running bus and disposes every service. It is idempotent.
func (b *Bus) Close() error {
	var errs []error

	switch b.container.State() {
	case lifecycle.StateRunning, lifecycle.StatePartiallyFailed:
		errs = append(errs, b.container.Stop(context.Background()))
	default:
	}

	errs = append(errs, b.container.Dispose())

	return errors.Join(errs...)
}

// Publish broadcasts msg to every subscriber of its message type.
func (b *Bus) Publish(ctx context.Context, msg any) error {
	if b.transport == nil {
		return fmt.Errorf("publish %T: %w", msg, berr.ErrTransportNotReady)
	}

	env := b.envelope(ctx, msg)
	if err := b.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", env.MessageType, err)
	}

	return nil
}

// Send delivers msg to the endpoint at destination.
func (b *Bus) Send(ctx context.Context, msg any, destination string) error {
	if b.transport == nil {
		return fmt.Errorf("send %T: %w", msg, berr.ErrTransportNotReady)
	}

	env := b.envelope(ctx, msg)
	if err := b.transport.Send(ctx, env, destination); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.MessageType, destination, err)
	}

	return nil
}

// SubscribeOf registers handler for messages of the same type as sample.
// Provide a zero value of the message type via sample.
func (b *Bus) SubscribeOf(sample any, handler cbus.MessageHandler) (cbus.Unsubscribe, error) {
	t := reflect.TypeOf(sample)
	if t == nil {
		return nil, fmt.Errorf("subscribe %v: %w", sample, berr.ErrHandlerTypeMismatch)
	}

	return b.subscribe(cbus.TypeName(sample), func(ctx context.Context, env cbus.Envelope) error {
		msg, err := decodeAs(env, t)
		if err != nil {
			return err
		}

		return handler(ctx, b.messageContext(env), msg)
	})
}

// SubscribeHandler registers a typed handler for messages of type M.
func SubscribeHandler[M any](
	b *Bus,
	fn func(ctx context.Context, mc cbus.MessageContext, msg M) error,
) (cbus.Unsubscribe, error) {
	return b.subscribe(cbus.TypeNameOf[M](), func(ctx context.Context, env cbus.Envelope) error {
		msg, err := decode[M](env)
		if err != nil {
			return err
		}

		return fn(ctx, b.messageContext(env), msg)
	})
}

func (b *Bus) subscribe(messageType string, h cbus.EnvelopeHandler) (cbus.Unsubscribe, error) {
	if b.transport == nil {
		return nil, fmt.Errorf("subscribe %s: %w", messageType, berr.ErrTransportNotReady)
	}

	// Build chain so the first registered middleware runs first
	final := h
	for i := len(b.mw) - 1; i >= 0; i-- {
		final = b.mw[i](final)
	}

	guarded := func(ctx context.Context, env cbus.Envelope) error {
		err := safeCall("handler "+messageType, func() error { return final(ctx, env) })
		if err != nil {
			b.logger.ErrorContext(
				ctx,
				"message handler failed",
				slog.String("message_type", messageType),
				slog.String("message_id", env.MessageID),
				slog.String("error", err.Error()),
			)
		}

		return err
	}

	unsub, err := b.transport.Subscribe(messageType, guarded)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messageType, errors.Join(berr.ErrSubscribeFailed, err))
	}

	return unsub, nil
}

// envelope wraps msg for the transport, stamping a fresh message id and this
// endpoint as the response address.
func (b *Bus) envelope(ctx context.Context, msg any) cbus.Envelope {
	env := cbus.Envelope{
		MessageID:       newID(),
		MessageType:     cbus.TypeName(msg),
		ResponseAddress: b.Address(),
		Headers:         make(map[string]string),
		Payload:         msg,
	}

	b.cfg.Propagator.Inject(ctx, env.Headers)

	if c, ok := msg.(cbus.CorrelatedBy); ok {
		env.CorrelationID = c.CorrelationID()
	}

	return env
}

func (b *Bus) messageContext(env cbus.Envelope) *messageContext {
	return &messageContext{bus: b, env: env}
}

// messageContext is the MessageContext handed to subscription handlers.
type messageContext struct {
	bus *Bus
	env cbus.Envelope
}

var _ cbus.MessageContext = (*messageContext)(nil)

func (mc *messageContext) MessageID() string          { return mc.env.MessageID }
func (mc *messageContext) CorrelationID() string      { return mc.env.CorrelationID }
func (mc *messageContext) MessageType() string        { return mc.env.MessageType }
func (mc *messageContext) ResponseAddress() string    { return mc.env.ResponseAddress }
func (mc *messageContext) Headers() map[string]string { return mc.env.Headers }

// Respond replies to the message being handled. The reply carries the same
// correlation id and goes to the request's response address, or is published when
// the request did not name one.
func (mc *messageContext) Respond(ctx context.Context, msg any) error {
	id := mc.env.CorrelationID
	if s, ok := msg.(cbus.CorrelationSetter); ok && id != "" {
		s.SetCorrelationID(id)
	}

	env := mc.bus.envelope(ctx, msg)
	env.CorrelationID = id

	var err error
	if mc.env.ResponseAddress != "" {
		err = mc.bus.transport.Send(ctx, env, mc.env.ResponseAddress)
	} else {
		err = mc.bus.transport.Publish(ctx, env)
	}

	if err != nil {
		return fmt.Errorf("respond %s to %s: %w", env.MessageType, mc.env.MessageType, err)
	}

	return nil
}

// decode converts an envelope's content into M.
func decode[M any](env cbus.Envelope) (M, error) {
	var zero M

	v, err := decodeAs(env, reflect.TypeFor[M]())
	if err != nil {
		return zero, err
	}

	m, ok := v.(M)
	if !ok {
		return zero, fmt.Errorf("decode %s: %w", env.MessageType, berr.ErrHandlerTypeMismatch)
	}

	return m, nil
}

// decodeAs converts an envelope's content into a value of type t. In-process payloads
// are used directly (dereferencing or addressing one pointer level as needed) and must
// already be of type t; broker bodies are decoded from JSON.
func decodeAs(env cbus.Envelope, t reflect.Type) (any, error) {
	if env.Payload != nil {
		if !payloadFits(env, t) {
			return nil, fmt.Errorf("decode %s: %w", env.MessageType, typeMismatch(env.Payload, reflect.Zero(t).Interface()))
		}

		pv := reflect.ValueOf(env.Payload)

		switch {
		case pv.Type().AssignableTo(t):
			return env.Payload, nil
		case pv.Kind() == reflect.Ptr && pv.Type().Elem().AssignableTo(t):
			if pv.IsNil() {
				return reflect.Zero(t).Interface(), nil
			}

			return pv.Elem().Interface(), nil
		default:
			p := reflect.New(t.Elem())
			p.Elem().Set(pv)

			return p.Interface(), nil
		}
	}

	if env.Body == nil {
		return reflect.Zero(t).Interface(), nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Body, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.MessageType, errors.Join(berr.ErrSerializationFailed, err))
	}

	return ptr.Elem().Interface(), nil
}

// payloadFits reports whether env can be decoded into t without re-encoding.
// Envelopes without an in-process payload always fit.
func payloadFits(env cbus.Envelope, t reflect.Type) bool {
	if env.Payload == nil {
		return true
	}

	pt := reflect.TypeOf(env.Payload)

	switch {
	case pt.AssignableTo(t):
		return true
	case pt.Kind() == reflect.Ptr && pt.Elem().AssignableTo(t):
		return true
	case t.Kind() == reflect.Ptr && pt.AssignableTo(t.Elem()):
		return true
	default:
		return false
	}
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

// safeCall runs fn, converting a panic into a *berr.PanicError.
func safeCall(where string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = berr.Recovered(where, r)
		}
	}()

	return fn()
}
