package servicebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// SubscriptionService is a BusService that installs a static set of subscriptions
// when the bus starts and removes them when it stops. Register it at
// bus.LayerApplication so handlers come up after the transport.
type SubscriptionService struct {
	mu       sync.Mutex
	bindings []binding
	active   []cbus.Unsubscribe
}

type binding struct {
	sample  any
	handler cbus.MessageHandler
}

var _ cbus.BusService = (*SubscriptionService)(nil)

// NewSubscriptionService returns an empty SubscriptionService.
func NewSubscriptionService() *SubscriptionService { return &SubscriptionService{} }

// ServiceName implements bus.Named.
func (s *SubscriptionService) ServiceName() string { return "subscription-service" }

// Bind adds a typed handler for messages of type M. Bindings take effect on the next Start.
// M must be a concrete type: messages are routed by their dynamic type name, so an
// interface type is rejected with ErrHandlerTypeMismatch.
func Bind[M any](s *SubscriptionService, fn func(ctx context.Context, mc cbus.MessageContext, msg M) error) error {
	t := reflect.TypeFor[M]()
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("bind %s: interface message types cannot be routed: %w", t, berr.ErrHandlerTypeMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings = append(s.bindings, binding{
		sample: reflect.New(t).Elem().Interface(),
		handler: func(ctx context.Context, mc cbus.MessageContext, msg any) error {
			m, ok := msg.(M)
			if !ok {
				var zero M
				return typeMismatch(msg, zero)
			}

			return fn(ctx, mc, m)
		},
	})

	return nil
}

// Start subscribes every binding on host. If one subscription fails, those already
// installed by this call are removed again.
func (s *SubscriptionService) Start(_ context.Context, host cbus.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bd := range s.bindings {
		unsub, err := host.SubscribeOf(bd.sample, bd.handler)
		if err != nil {
			s.unsubscribeLocked()
			return err
		}

		s.active = append(s.active, unsub)
	}

	return nil
}

// Stop removes the subscriptions installed by Start, newest first.
func (s *SubscriptionService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribeLocked()

	return nil
}

// Dispose drops all bindings.
func (s *SubscriptionService) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribeLocked()
	s.bindings = nil

	return nil
}

func (s *SubscriptionService) unsubscribeLocked() {
	for i := len(s.active) - 1; i >= 0; i-- {
		s.active[i]()
	}

	s.active = nil
}

func typeMismatch(got, want any) error {
	return fmt.Errorf("got %s, want %s: %w", cbus.TypeName(got), cbus.TypeName(want), berr.ErrHandlerTypeMismatch)
}
