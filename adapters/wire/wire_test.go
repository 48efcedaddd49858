package wire_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/next-trace/scg-bus-runtime/adapters/wire"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

type ping struct{ N int }

func TestEncodeDecode_CarriesMetadata(t *testing.T) {
	env := cbus.Envelope{
		MessageID:       "m1",
		CorrelationID:   "c1",
		MessageType:     "ping",
		ResponseAddress: "local",
		Headers:         map[string]string{"h": "v", wire.HeaderCorrelationID: "spoofed"},
		Payload:         ping{N: 3},
	}

	body, headers, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if string(body) != `{"N":3}` {
		t.Fatalf("body=%s", body)
	}

	if headers[wire.HeaderCorrelationID] != "c1" || headers["h"] != "v" {
		t.Fatalf("headers=%+v", headers)
	}

	got := wire.Decode(body, headers, "")
	if got.MessageID != "m1" || got.CorrelationID != "c1" || got.MessageType != "ping" || got.ResponseAddress != "local" {
		t.Fatalf("decoded=%+v", got)
	}

	if _, ok := got.Headers[wire.HeaderMessageType]; ok {
		t.Fatalf("metadata headers must not leak into user headers: %+v", got.Headers)
	}

	if got.Headers["h"] != "v" {
		t.Fatalf("user headers lost: %+v", got.Headers)
	}
}

func TestEncode_PrefersBodyAndReportsSerializationErrors(t *testing.T) {
	body, _, err := wire.Encode(cbus.Envelope{Body: []byte("raw"), Payload: ping{}})
	if err != nil || string(body) != "raw" {
		t.Fatalf("body=%s err=%v", body, err)
	}

	_, _, err = wire.Encode(cbus.Envelope{MessageType: "bad", Payload: make(chan int)})
	if !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want ErrSerializationFailed, got %v", err)
	}
}

func TestDecode_FallbackType(t *testing.T) {
	env := wire.Decode([]byte("{}"), nil, wire.TypeFromSubject(wire.EventSubject("Pong")))
	if env.MessageType != "Pong" {
		t.Fatalf("type=%q", env.MessageType)
	}

	if !wire.IsEndpointSubject(wire.EndpointSubject("a")) || wire.IsEndpointSubject(wire.EventSubject("a")) {
		t.Fatalf("subject classification mismatch")
	}
}

func TestEventSubject_QualifiedTypeNames(t *testing.T) {
	got := wire.EventSubject("github.com/acme/orders.Placed")
	if got != "events.github.com_acme_orders.Placed" {
		t.Fatalf("subject=%q", got)
	}

	if wire.EventSubject("example.com/a.Pong") == wire.EventSubject("example.com/b.Pong") {
		t.Fatalf("types from different packages must not share a subject")
	}
}

func TestRouter_SubscribeDispatchRemove(t *testing.T) {
	r := wire.NewRouter()

	var calls atomic.Int32

	h := func(context.Context, cbus.Envelope) error {
		calls.Add(1)
		return nil
	}

	rm1, first := r.Subscribe("ping", h)
	if !first {
		t.Fatalf("first subscription must report first")
	}

	rm2, first := r.Subscribe("ping", func(context.Context, cbus.Envelope) error { return errors.New("boom") })
	if first {
		t.Fatalf("second subscription must not report first")
	}

	err := r.Dispatch(t.Context(), cbus.Envelope{MessageType: "ping"})
	if err == nil || calls.Load() != 1 {
		t.Fatalf("err=%v calls=%d", err, calls.Load())
	}

	if rm1() {
		t.Fatalf("not last yet")
	}

	if !rm2() {
		t.Fatalf("expected last")
	}

	if rm2() {
		t.Fatalf("remove must be idempotent")
	}

	if r.Has("ping") || len(r.Types()) != 0 {
		t.Fatalf("router should be empty")
	}

	if err := r.Dispatch(t.Context(), cbus.Envelope{MessageType: "ping"}); err != nil {
		t.Fatalf("dispatch without handlers: %v", err)
	}
}
