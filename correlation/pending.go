package correlation

import (
	"context"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

// ResponseHandler processes one correlated response envelope. It returns the decoded
// response (even when it fails, when decoding succeeded) and the handler's error.
type ResponseHandler func(ctx context.Context, env cbus.Envelope) (response any, err error)

// Pending is one in-flight request. It is owned by the request call that created it.
type Pending struct {
	ID          string
	RequestType string
	Deadline    time.Time

	// Accept optionally narrows which responses of a handled type complete the request.
	Accept func(env cbus.Envelope) bool

	handlers map[string]ResponseHandler
	*Future
}

// NewPending builds a Pending request expecting the given response handlers keyed by
// message type.
func NewPending(id, requestType string, deadline time.Time, handlers map[string]ResponseHandler) *Pending {
	hs := make(map[string]ResponseHandler, len(handlers))
	for k, v := range handlers {
		hs[k] = v
	}

	return &Pending{
		ID:          id,
		RequestType: requestType,
		Deadline:    deadline,
		handlers:    hs,
		Future:      NewFuture(),
	}
}

// Handles reports whether a response of messageType completes this request.
func (p *Pending) Handles(messageType string) bool {
	_, ok := p.handlers[messageType]
	return ok
}

// Matches reports whether env completes this request: its type is handled and Accept,
// when set, admits it.
func (p *Pending) Matches(env cbus.Envelope) bool {
	if !p.Handles(env.MessageType) {
		return false
	}

	return p.Accept == nil || p.Accept(env)
}

// ResponseTypes lists the handled response message types.
func (p *Pending) ResponseTypes() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}

	return types
}

// Handler returns the handler registered for messageType.
func (p *Pending) Handler(messageType string) (ResponseHandler, bool) {
	h, ok := p.handlers[messageType]
	return h, ok
}
