package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/next-trace/scg-bus-runtime/adapters/wire"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Network is a loopback message network of named endpoints living in one process.
// It is useful for tests, examples and single-process deployments.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Transport
	logger    *slog.Logger
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger used for failed deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates an empty network.
func New(opts ...Option) *Network {
	n := &Network{
		endpoints: make(map[string]*Transport),
		logger:    slog.Default(),
	}

	for _, o := range opts {
		o(n)
	}

	return n
}

// Endpoint returns the transport registered under address, creating it on first use.
func (n *Network) Endpoint(address string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[address]; ok {
		return t
	}

	t := &Transport{
		net:     n,
		address: address,
		router:  wire.NewRouter(),
	}
	n.endpoints[address] = t

	return t
}

func (n *Network) lookup(address string) (*Transport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	t, ok := n.endpoints[address]

	return t, ok
}

func (n *Network) snapshot() []*Transport {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Transport, 0, len(n.endpoints))
	for _, t := range n.endpoints {
		out = append(out, t)
	}

	return out
}

func (n *Network) remove(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.endpoints[t.address] == t {
		delete(n.endpoints, t.address)
	}
}

// Transport is one endpoint of a Network. It implements bus.Transport and
// bus.BusService; every delivery runs on its own goroutine.
type Transport struct {
	net     *Network
	address string
	router  *wire.Router

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
	sent     []cbus.Envelope
}

var (
	_ cbus.Transport  = (*Transport)(nil)
	_ cbus.BusService = (*Transport)(nil)
)

// Address returns the endpoint address.
func (t *Transport) Address() string { return t.address }

// ServiceName implements bus.Named.
func (t *Transport) ServiceName() string { return "inmemory-transport(" + t.address + ")" }

// Publish delivers env to every endpoint subscribed to its message type.
func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	if !t.running() {
		return fmt.Errorf("publish %s from %s: %w", env.MessageType, t.address, berr.ErrTransportNotReady)
	}

	t.record(env)

	for _, ep := range t.net.snapshot() {
		ep.deliver(ctx, env)
	}

	return nil
}

// Send delivers env to the endpoint at destination.
func (t *Transport) Send(ctx context.Context, env cbus.Envelope, destination string) error {
	if !t.running() {
		return fmt.Errorf("send %s from %s: %w", env.MessageType, t.address, berr.ErrTransportNotReady)
	}

	ep, ok := t.net.lookup(destination)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", env.MessageType, destination, berr.ErrUnknownDestination)
	}

	t.record(env)
	ep.deliver(ctx, env)

	return nil
}

// Subscribe registers h for envelopes of messageType arriving at this endpoint.
func (t *Transport) Subscribe(messageType string, h cbus.EnvelopeHandler) (cbus.Unsubscribe, error) {
	remove, _ := t.router.Subscribe(messageType, h)
	return func() { remove() }, nil
}

// Sent returns a copy of the envelopes this endpoint has published or sent.
func (t *Transport) Sent() []cbus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]cbus.Envelope(nil), t.sent...)
}

// Start accepts traffic again after a Stop.
func (t *Transport) Start(context.Context, cbus.Bus) error {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()

	return nil
}

// Stop refuses new traffic and waits for in-flight deliveries or ctx, whichever
// comes first.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	done := make(chan struct{})

	go func() {
		t.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", t.address, ctx.Err())
	}
}

// Dispose detaches the endpoint from its network.
func (t *Transport) Dispose() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.net.remove(t)

	return nil
}

func (t *Transport) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.stopped
}

func (t *Transport) record(env cbus.Envelope) {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()
}

func (t *Transport) deliver(ctx context.Context, env cbus.Envelope) {
	if !t.router.Has(env.MessageType) {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	t.inflight.Add(1)
	t.mu.Unlock()

	// deliveries outlive the sender's call
	dctx := context.WithoutCancel(ctx)

	go func() {
		defer t.inflight.Done()

		if err := t.router.Dispatch(dctx, env); err != nil {
			t.net.logger.DebugContext(
				dctx,
				"in-memory delivery failed",
				slog.String("endpoint", t.address),
				slog.String("message_type", env.MessageType),
				slog.String("error", err.Error()),
			)
		}
	}()
}
