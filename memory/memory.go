package memory

import (
	"github.com/next-trace/scg-bus-runtime/adapters/inmemory"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

// Address is the endpoint address of a bus built by New.
const Address = "local"

// New constructs a service bus backed by a private in-memory network along with a
// cleanup function that stops and disposes it.
func New(opts ...servicebus.BusOption) (*servicebus.Bus, func()) {
	ep := inmemory.New().Endpoint(Address)
	sb := servicebus.New(ep, opts...)
	cleanup := func() { _ = sb.Close() }

	return sb, cleanup
}
