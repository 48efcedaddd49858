package memory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/lifecycle"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

type testReq struct{ ID string }

func (r *testReq) SetCorrelationID(id string) { r.ID = id }

type testRes struct{ Echo string }

func TestNewMemoryBus_BasicFlow(t *testing.T) {
	b, cleanup := New(servicebus.WithLogger(slog.New(slog.DiscardHandler)))
	defer cleanup()

	ctx := context.Background()

	if b.Address() != Address {
		t.Fatalf("address=%q", b.Address())
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// the bus answers its own requests
	if _, err := servicebus.SubscribeHandler(b, func(ctx context.Context, mc cbus.MessageContext, r testReq) error {
		return mc.Respond(ctx, testRes{Echo: r.ID})
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	req := &testReq{}

	var res testRes

	err := b.PublishRequest(ctx, req, func(c *servicebus.RequestConfigurator) {
		c.SetTimeout(2 * time.Second)
		servicebus.Handle(c, func(_ context.Context, r testRes) error {
			res = r
			return nil
		})
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if res.Echo == "" || res.Echo != req.ID {
		t.Fatalf("unexpected response: %+v for %+v", res, req)
	}

	cleanup()

	if b.State() != lifecycle.StateStopped {
		t.Fatalf("cleanup must stop the bus, state=%s", b.State())
	}
}
