package wire

import (
	"context"
	"errors"
	"sync"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

// Router fans inbound envelopes out to local subscribers by message type.
// It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]cbus.EnvelopeHandler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]map[uint64]cbus.EnvelopeHandler)}
}

// Subscribe adds h for messageType. first reports whether it is the first handler
// for that type, so callers can open the broker subscription lazily. The returned
// func removes h and reports whether it was the last handler for the type.
func (r *Router) Subscribe(messageType string, h cbus.EnvelopeHandler) (remove func() (last bool), first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs, ok := r.handlers[messageType]
	if !ok {
		hs = make(map[uint64]cbus.EnvelopeHandler)
		r.handlers[messageType] = hs
	}

	r.next++
	id := r.next
	hs[id] = h

	var once sync.Once

	remove = func() bool {
		last := false

		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			delete(r.handlers[messageType], id)

			if len(r.handlers[messageType]) == 0 {
				delete(r.handlers, messageType)

				last = true
			}
		})

		return last
	}

	return remove, !ok
}

// Has reports whether any handler is subscribed to messageType.
func (r *Router) Has(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers[messageType]) > 0
}

// Types lists message types with at least one handler.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}

	return out
}

// Dispatch invokes every handler subscribed to env.MessageType and joins their errors.
func (r *Router) Dispatch(ctx context.Context, env cbus.Envelope) error {
	r.mu.RLock()
	hs := make([]cbus.EnvelopeHandler, 0, len(r.handlers[env.MessageType]))
	for _, h := range r.handlers[env.MessageType] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	var errs []error

	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
