package bus

import "context"

// Transport is the narrow contract the bus consumes from a messaging backend.
// Implementations route envelopes by MessageType and deliver them on goroutines
// they own; the bus never assumes deliveries happen on the caller's goroutine.
//
// Subscribe must deliver both broadcasts (Publish) of the given message type and
// point-to-point sends (Send) addressed to this transport's Address.
type Transport interface {
	Address() string
	Publish(ctx context.Context, env Envelope) error
	Send(ctx context.Context, env Envelope, destination string) error
	Subscribe(messageType string, handler EnvelopeHandler) (Unsubscribe, error)
}
