package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// FaultObserver is notified of every isolated service fault. op is one of
// berr.ErrServiceStartFailed, ErrServiceStopFailed or ErrServiceDisposeFailed.
type FaultObserver func(op error, service string, err error)

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger used for lifecycle events and faults.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFaultObserver registers a callback for isolated service faults.
func WithFaultObserver(fn FaultObserver) Option {
	return func(c *Container) { c.observer = fn }
}

// Container drives the services of a Catalog through start, stop and dispose.
//
// Services are registered before Start. Start and Stop isolate per-service faults:
// a failing service is logged and reported in the returned error but never prevents
// the remaining services from being managed. Dispose is idempotent.
type Container struct {
	opMu sync.Mutex // serializes Start, Stop and Dispose

	mu       sync.Mutex
	state    State
	disposed bool

	host     cbus.Bus
	catalog  *Catalog
	logger   *slog.Logger
	observer FaultObserver
}

// New constructs a Container whose services are started against host.
func New(host cbus.Bus, opts ...Option) *Container {
	c := &Container{
		host:    host,
		catalog: NewCatalog(),
		logger:  slog.Default(),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Disposed reports whether Dispose has run.
func (c *Container) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disposed
}

// AddService registers svc under layer. It is only valid before Start.
func (c *Container) AddService(layer cbus.ServiceLayer, svc cbus.BusService) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := cbus.ServiceName(svc)

	if c.disposed {
		return fmt.Errorf("add service %s: %w", name, berr.ErrDisposed)
	}

	if c.state != StateCreated {
		return fmt.Errorf("add service %s in state %s: %w", name, c.state, berr.ErrInvalidState)
	}

	c.catalog.Add(layer, svc)

	return nil
}

// Start starts every service in ascending layer and registration order.
//
// When a service fails to start, every service started so far in this call is
// stopped in reverse start order and the loop continues with the next service.
// The returned error joins all start faults; it is nil when every service started.
func (c *Container) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.enter("start", StateStarting, StateCreated); err != nil {
		return err
	}

	var (
		started []cbus.BusService
		faults  []error
	)

	for _, svc := range c.catalog.Services() {
		name := cbus.ServiceName(svc)

		c.logger.DebugContext(ctx, "starting bus service", slog.String("service", name))

		err := invoke("start "+name, func() error { return svc.Start(ctx, c.host) })
		if err != nil {
			c.logger.ErrorContext(
				ctx,
				"failed to start bus service",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)

			faults = append(faults, c.fault(berr.ErrServiceStartFailed, name, err))
			c.rollback(ctx, started)
			started = started[:0]

			continue
		}

		started = append(started, svc)
	}

	final := StateRunning
	if len(faults) > 0 {
		final = StatePartiallyFailed
	}

	c.setState(final)

	return errors.Join(faults...)
}

// rollback stops services started during a failed Start, newest first.
func (c *Container) rollback(ctx context.Context, started []cbus.BusService) {
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		name := cbus.ServiceName(svc)

		if err := invoke("stop "+name, func() error { return svc.Stop(ctx) }); err != nil {
			c.logger.WarnContext(
				ctx,
				"failed to stop a service that was started during a failed bus startup",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)

			_ = c.fault(berr.ErrServiceStopFailed, name, err)
		}
	}
}

// Stop stops every service in the exact reverse of start order.
// Faults are logged per service and joined into the returned error.
// Stopping an already stopped container is a no-op.
func (c *Container) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateStopped && !c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.enter("stop", StateStopping, StateRunning, StatePartiallyFailed); err != nil {
		return err
	}

	var faults []error

	for _, svc := range c.catalog.Reverse() {
		name := cbus.ServiceName(svc)

		c.logger.DebugContext(ctx, "stopping bus service", slog.String("service", name))

		if err := invoke("stop "+name, func() error { return svc.Stop(ctx) }); err != nil {
			c.logger.ErrorContext(
				ctx,
				"failed to stop bus service",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)

			faults = append(faults, c.fault(berr.ErrServiceStopFailed, name, err))
		}
	}

	c.setState(StateStopped)

	return errors.Join(faults...)
}

// Dispose disposes every service in reverse order. Only the first call has any
// effect; services that were never started or are already stopped are disposed too.
func (c *Container) Dispose() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}

	c.disposed = true
	c.mu.Unlock()

	var faults []error

	for _, svc := range c.catalog.Reverse() {
		name := cbus.ServiceName(svc)

		if err := invoke("dispose "+name, svc.Dispose); err != nil {
			c.logger.Error(
				"failed to dispose bus service",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)

			faults = append(faults, c.fault(berr.ErrServiceDisposeFailed, name, err))
		}
	}

	return errors.Join(faults...)
}

func (c *Container) enter(op string, to State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return fmt.Errorf("%s: %w", op, berr.ErrDisposed)
	}

	for _, s := range from {
		if c.state == s {
			c.state = to
			return nil
		}
	}

	return fmt.Errorf("%s in state %s: %w", op, c.state, berr.ErrInvalidState)
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Container) fault(op error, service string, err error) error {
	if c.observer != nil {
		c.observer(op, service, err)
	}

	return &berr.ServiceError{Op: op, Service: service, Err: err}
}

// invoke runs fn, converting a panic into a *berr.PanicError.
func invoke(where string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = berr.Recovered(where, r)
		}
	}()

	return fn()
}
