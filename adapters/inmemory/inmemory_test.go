package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-bus-runtime/adapters/inmemory"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

type collector struct {
	mu   sync.Mutex
	wg   sync.WaitGroup
	seen []cbus.Envelope
}

func (c *collector) expect(n int) { c.wg.Add(n) }

func (c *collector) handle(_ context.Context, env cbus.Envelope) error {
	c.mu.Lock()
	c.seen = append(c.seen, env)
	c.mu.Unlock()
	c.wg.Done()

	return nil
}

func (c *collector) wait(t *testing.T) []cbus.Envelope {
	t.Helper()

	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for deliveries")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]cbus.Envelope(nil), c.seen...)
}

func TestInmemory_PublishReachesEverySubscribedEndpoint(t *testing.T) {
	n := inmemory.New()
	a, b, c := n.Endpoint("a"), n.Endpoint("b"), n.Endpoint("c")

	col := &collector{}
	col.expect(2)

	_, _ = a.Subscribe("ping", col.handle)
	_, _ = b.Subscribe("ping", col.handle)
	_, _ = c.Subscribe("other", col.handle)

	if err := a.Publish(t.Context(), cbus.Envelope{MessageType: "ping", Payload: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := col.wait(t); len(got) != 2 {
		t.Fatalf("want 2 deliveries, got %d", len(got))
	}

	if n := len(a.Sent()); n != 1 {
		t.Fatalf("want 1 recorded envelope, got %d", n)
	}
}

func TestInmemory_SendTargetsDestination(t *testing.T) {
	n := inmemory.New()
	a, b := n.Endpoint("a"), n.Endpoint("b")

	if n.Endpoint("a") != a {
		t.Fatalf("endpoint lookup must return the existing transport")
	}

	col := &collector{}
	col.expect(1)

	_, _ = b.Subscribe("ping", col.handle)
	_, _ = a.Subscribe("ping", func(context.Context, cbus.Envelope) error {
		t.Errorf("sender must not receive its own send")
		return nil
	})

	if err := a.Send(t.Context(), cbus.Envelope{MessageType: "ping", CorrelationID: "c1"}, "b"); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := col.wait(t)
	if len(got) != 1 || got[0].CorrelationID != "c1" {
		t.Fatalf("got=%+v", got)
	}

	err := a.Send(t.Context(), cbus.Envelope{MessageType: "ping"}, "nowhere")
	if !errors.Is(err, berr.ErrUnknownDestination) {
		t.Fatalf("want ErrUnknownDestination, got %v", err)
	}
}

func TestInmemory_UnsubscribeStopsDelivery(t *testing.T) {
	n := inmemory.New()
	a := n.Endpoint("a")

	col := &collector{}
	col.expect(1)

	unsub, _ := a.Subscribe("ping", col.handle)
	_ = a.Publish(t.Context(), cbus.Envelope{MessageType: "ping"})
	_ = col.wait(t)

	unsub()
	unsub()

	_ = a.Publish(t.Context(), cbus.Envelope{MessageType: "ping"})

	if err := a.Stop(t.Context()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := col.wait(t); len(got) != 1 {
		t.Fatalf("want 1 delivery after unsubscribe, got %d", len(got))
	}
}

func TestInmemory_LifecycleAsBusService(t *testing.T) {
	n := inmemory.New()
	a := n.Endpoint("a")

	release := make(chan struct{})
	finished := make(chan struct{})

	_, _ = a.Subscribe("slow", func(context.Context, cbus.Envelope) error {
		<-release
		close(finished)

		return nil
	})

	_ = a.Publish(t.Context(), cbus.Envelope{MessageType: "slow"})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if err := a.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop must honour ctx while deliveries drain, got %v", err)
	}

	close(release)
	<-finished

	if err := a.Stop(t.Context()); err != nil {
		t.Fatalf("stop after drain: %v", err)
	}

	if err := a.Publish(t.Context(), cbus.Envelope{MessageType: "slow"}); !errors.Is(err, berr.ErrTransportNotReady) {
		t.Fatalf("want ErrTransportNotReady after stop, got %v", err)
	}

	if err := a.Start(t.Context(), nil); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if err := a.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	b := n.Endpoint("b")
	if err := b.Send(t.Context(), cbus.Envelope{MessageType: "x"}, "a"); !errors.Is(err, berr.ErrUnknownDestination) {
		t.Fatalf("disposed endpoint must be gone, got %v", err)
	}
}

func TestInmemory_ConcurrentSafety(t *testing.T) {
	n := inmemory.New()
	a := n.Endpoint("a")

	col := &collector{}
	col.expect(100)

	_, _ = a.Subscribe("ping", col.handle)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_ = a.Publish(t.Context(), cbus.Envelope{MessageType: "ping"})
		}()

		go func() {
			defer wg.Done()

			_ = n.Endpoint("b").Send(t.Context(), cbus.Envelope{MessageType: "ping"}, "a")
		}()
	}

	wg.Wait()

	if got := col.wait(t); len(got) != 100 {
		t.Fatalf("want 100 deliveries, got %d", len(got))
	}
}
