package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
	"github.com/next-trace/scg-bus-runtime/correlation"
)

// RequestConfigurator collects the response handlers and deadline of one request.
type RequestConfigurator struct {
	timeout  time.Duration
	handlers map[string]correlation.ResponseHandler
	types    map[string]reflect.Type
}

// SetTimeout overrides the bus default request timeout. Non-positive values are ignored.
func (c *RequestConfigurator) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Timeout returns the deadline the request will wait for.
func (c *RequestConfigurator) Timeout() time.Duration { return c.timeout }

// accepts rejects in-process responses whose payload is not of the handled Go type,
// such as a same-named type declared in another scope.
func (c *RequestConfigurator) accepts(env cbus.Envelope) bool {
	t, ok := c.types[env.MessageType]
	return ok && payloadFits(env, t)
}

// Handle registers fn for responses of type R. A request may handle several response
// types (for example a success and a fault message); the first correlated response of
// any handled type completes it.
func Handle[R any](c *RequestConfigurator, fn func(ctx context.Context, resp R) error) {
	name := cbus.TypeNameOf[R]()

	c.types[name] = reflect.TypeFor[R]()
	c.handlers[name] = func(ctx context.Context, env cbus.Envelope) (any, error) {
		resp, err := decode[R](env)
		if err != nil {
			return nil, err
		}

		return resp, safeCall("response handler "+env.MessageType, func() error { return fn(ctx, resp) })
	}
}

// PublishRequest publishes msg and blocks until a correlated response has been
// handled, the request deadline passes, or ctx is done.
//
// It returns nil when a handler processed the response successfully, a
// *berr.RequestError when the handler failed, and a *berr.RequestTimeoutError when no
// response arrived in time.
func (b *Bus) PublishRequest(ctx context.Context, msg any, configure func(*RequestConfigurator)) error {
	return b.request(ctx, msg, configure, func(ctx context.Context, env cbus.Envelope) error {
		return b.transport.Publish(ctx, env)
	})
}

// SendRequest behaves like PublishRequest but delivers msg to destination.
func (b *Bus) SendRequest(ctx context.Context, msg any, destination string, configure func(*RequestConfigurator)) error {
	return b.request(ctx, msg, configure, func(ctx context.Context, env cbus.Envelope) error {
		return b.transport.Send(ctx, env, destination)
	})
}

func (b *Bus) request(
	ctx context.Context,
	msg any,
	configure func(*RequestConfigurator),
	deliver func(context.Context, cbus.Envelope) error,
) error {
	if b.transport == nil {
		return fmt.Errorf("request %T: %w", msg, berr.ErrTransportNotReady)
	}

	id := newID()
	if s, ok := msg.(cbus.CorrelationSetter); ok {
		s.SetCorrelationID(id)
	}

	rc := &RequestConfigurator{
		timeout:  b.cfg.DefaultRequestTimeout,
		handlers: make(map[string]correlation.ResponseHandler),
		types:    make(map[string]reflect.Type),
	}
	if configure != nil {
		configure(rc)
	}

	env := b.envelope(ctx, msg)
	env.CorrelationID = id

	started := time.Now()
	p := correlation.NewPending(id, env.MessageType, started.Add(rc.timeout), rc.handlers)
	p.Accept = rc.accepts

	if err := b.registry.Add(p); err != nil {
		return err
	}

	b.metrics.inFlight.Inc()
	defer b.metrics.inFlight.Dec()

	release, err := b.acquireResponseSubscriptions(p.ResponseTypes())
	if err != nil {
		b.registry.Remove(id)
		b.metrics.observeRequest(p.RequestType, outcomeTransport, started)

		return fmt.Errorf("request %s: %w", p.RequestType, err)
	}
	defer release()

	if err := deliver(ctx, env); err != nil {
		if b.registry.Remove(id) {
			b.metrics.observeRequest(p.RequestType, outcomeTransport, started)
			return fmt.Errorf("request %s: %w", p.RequestType, err)
		}
		// a handler already took the response; wait for its outcome below
	}

	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	// The wait never outlasts the deadline or ctx, even when a handler that took the
	// response is still running; its late outcome is dropped.
	select {
	case <-p.Done():
		return b.outcome(p, started)
	case <-timer.C:
		b.registry.Remove(id)

		if completed(p) {
			return b.outcome(p, started)
		}

		b.logger.WarnContext(
			ctx,
			"request timed out",
			slog.String("request_type", p.RequestType),
			slog.String("correlation_id", id),
			slog.Duration("timeout", rc.timeout),
		)
		b.metrics.observeRequest(p.RequestType, outcomeTimeout, started)

		return &berr.RequestTimeoutError{RequestType: p.RequestType, CorrelationID: id, Timeout: rc.timeout}
	case <-ctx.Done():
		b.registry.Remove(id)
		b.metrics.observeRequest(p.RequestType, outcomeCanceled, started)

		return fmt.Errorf("request %s (%s): %w", p.RequestType, id, ctx.Err())
	}
}

func completed(p *correlation.Pending) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// outcome reads a completed request's result and records it.
func (b *Bus) outcome(p *correlation.Pending, started time.Time) error {
	<-p.Done()

	_, err := p.Result()
	if err != nil {
		b.metrics.observeRequest(p.RequestType, outcomeFailed, started)
		return err
	}

	b.metrics.observeRequest(p.RequestType, outcomeSuccess, started)

	return nil
}

// deliverResponse completes the pending request env correlates to. Responses that no
// pending request is waiting for are discarded.
func (b *Bus) deliverResponse(ctx context.Context, env cbus.Envelope) error {
	if env.CorrelationID == "" {
		return nil
	}

	p, ok := b.registry.Take(env.CorrelationID, func(p *correlation.Pending) bool {
		return p.Matches(env)
	})
	if !ok {
		b.logger.DebugContext(
			ctx,
			"discarding uncorrelated response",
			slog.String("message_type", env.MessageType),
			slog.String("correlation_id", env.CorrelationID),
		)

		return nil
	}

	h, _ := p.Handler(env.MessageType)

	var (
		resp any
		err  error
	)

	if perr := safeCall("response handler "+env.MessageType, func() error {
		resp, err = h(ctx, env)
		return nil
	}); perr != nil {
		err = perr
	}

	if err != nil {
		p.Complete(resp, &berr.RequestError{
			RequestType:   p.RequestType,
			CorrelationID: p.ID,
			Response:      resp,
			Err:           err,
		})

		return nil
	}

	p.Complete(resp, nil)

	return nil
}

type responseSubscription struct {
	refs        int
	unsubscribe cbus.Unsubscribe
}

// acquireResponseSubscriptions ensures a transport subscription exists for every
// response type, sharing one subscription per type across concurrent requests.
// The returned release func drops this request's references.
func (b *Bus) acquireResponseSubscriptions(types []string) (func(), error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	acquired := make([]string, 0, len(types))

	for _, t := range types {
		if rs, ok := b.responseSubs[t]; ok {
			rs.refs++
			acquired = append(acquired, t)

			continue
		}

		unsub, err := b.transport.Subscribe(t, b.deliverResponse)
		if err != nil {
			b.releaseLocked(acquired)
			return nil, errors.Join(berr.ErrSubscribeFailed, err)
		}

		b.responseSubs[t] = &responseSubscription{refs: 1, unsubscribe: unsub}
		acquired = append(acquired, t)
	}

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()

		b.releaseLocked(acquired)
	}, nil
}

func (b *Bus) releaseLocked(types []string) {
	for _, t := range types {
		rs, ok := b.responseSubs[t]
		if !ok {
			continue
		}

		rs.refs--
		if rs.refs > 0 {
			continue
		}

		delete(b.responseSubs, t)

		if rs.unsubscribe != nil {
			rs.unsubscribe()
		}
	}
}
