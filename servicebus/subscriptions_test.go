package servicebus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
	"github.com/next-trace/scg-bus-runtime/lifecycle"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

func Test_SubscriptionService_InstallsOnStartAndRemovesOnStop(t *testing.T) {
	client, server := newPair(t)

	svc := servicebus.NewSubscriptionService()
	err := servicebus.Bind(svc, func(ctx context.Context, mc cbus.MessageContext, p Ping) error {
		return mc.Respond(ctx, Pong{Ref: mc.CorrelationID(), N: p.N * 10})
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := server.AddService(cbus.LayerApplication, svc); err != nil {
		t.Fatalf("add service: %v", err)
	}

	request := func(timeout time.Duration) (Pong, error) {
		var got Pong

		err := client.SendRequest(t.Context(), &Ping{N: 3}, "server", func(c *servicebus.RequestConfigurator) {
			c.SetTimeout(timeout)
			servicebus.Handle(c, func(_ context.Context, resp Pong) error {
				got = resp
				return nil
			})
		})

		return got, err
	}

	// not started yet: nobody answers
	if _, err := request(30 * time.Millisecond); !errors.Is(err, berr.ErrRequestTimeout) {
		t.Fatalf("before start: %v", err)
	}

	if err := server.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got, err := request(2 * time.Second); err != nil || got.N != 30 {
		t.Fatalf("running: pong=%+v err=%v", got, err)
	}

	if err := svc.Stop(t.Context()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := request(30 * time.Millisecond); !errors.Is(err, berr.ErrRequestTimeout) {
		t.Fatalf("after stop: %v", err)
	}
}

func Test_Bind_RejectsInterfaceMessageTypes(t *testing.T) {
	svc := servicebus.NewSubscriptionService()

	err := servicebus.Bind(svc, func(context.Context, cbus.MessageContext, any) error { return nil })
	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}

	// nothing was bound, so Start has nothing to subscribe
	if err := svc.Start(t.Context(), &refusingHost{calls: 1}); err != nil {
		t.Fatalf("start: %v", err)
	}
}

type refusingHost struct {
	cbus.Bus
	calls int
}

func (h *refusingHost) SubscribeOf(any, cbus.MessageHandler) (cbus.Unsubscribe, error) {
	h.calls++
	if h.calls > 1 {
		return nil, berr.ErrSubscribeFailed
	}

	return func() { h.calls = -100 }, nil
}

func Test_SubscriptionService_StartFailureRemovesPartialSubscriptions(t *testing.T) {
	svc := servicebus.NewSubscriptionService()
	_ = servicebus.Bind(svc, func(context.Context, cbus.MessageContext, Ping) error { return nil })
	_ = servicebus.Bind(svc, func(context.Context, cbus.MessageContext, Pong) error { return nil })

	host := &refusingHost{}

	if err := svc.Start(t.Context(), host); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}

	if host.calls != -100 {
		t.Fatalf("first subscription must be removed after the failure")
	}
}

func Test_SubscriptionService_FailureMakesBusPartiallyFailed(t *testing.T) {
	ft := newFakeTransport("me")
	b := servicebus.New(ft, servicebus.WithLogger(quiet))

	bad := &failingService{err: errors.New("cannot start")}

	_ = b.AddService(cbus.LayerSession, bad)
	_ = b.AddService(cbus.LayerApplication, servicebus.NewSubscriptionService())

	err := b.Start(t.Context())
	if !errors.Is(err, berr.ErrServiceStartFailed) || !errors.Is(err, bad.err) {
		t.Fatalf("want start fault, got %v", err)
	}

	if b.State() != lifecycle.StatePartiallyFailed {
		t.Fatalf("state=%s", b.State())
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type failingService struct{ err error }

func (s *failingService) Start(context.Context, cbus.Bus) error { return s.err }
func (s *failingService) Stop(context.Context) error            { return nil }
func (s *failingService) Dispose() error                        { return nil }
