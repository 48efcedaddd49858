package bus

import "context"

// EnvelopeHandler receives a raw envelope from a Transport.
// Implementations must be safe for concurrent use by multiple goroutines.
type EnvelopeHandler func(ctx context.Context, env Envelope) error

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// MessageHandler handles a decoded message together with its MessageContext.
type MessageHandler func(ctx context.Context, mc MessageContext, msg any) error
