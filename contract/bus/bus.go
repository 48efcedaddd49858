package bus

import "context"

// Bus is the non-generic surface of the service bus handed to bus services on Start.
//
// Typed helpers (SubscribeHandler, request/response) remain available via generic
// functions in the servicebus package.
type Bus interface {
	Address() string
	Publish(ctx context.Context, msg any) error
	Send(ctx context.Context, msg any, destination string) error
	SubscribeOf(sample any, handler MessageHandler) (Unsubscribe, error)
}
