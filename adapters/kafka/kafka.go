package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/next-trace/scg-bus-runtime/adapters/wire"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt any Kafka client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed Kafka record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Reader is a minimal Kafka-like consumer interface.
type Reader interface {
	AddTopics(topics ...string)
	RemoveTopics(topics ...string)
	// Poll blocks until records are available or ctx is done.
	Poll(ctx context.Context) ([]Record, error)
}

// Poll failures that return no records are retried with exponential backoff.
const (
	pollBackoffMin = 100 * time.Millisecond
	pollBackoffMax = 5 * time.Second
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used by the poll loop.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// Transport implements bus.Transport over Kafka topics: broadcasts go to
// events.<type> and point-to-point sends to endpoints.<address>. Inbound records
// are consumed by a poll loop that runs between Start and Stop.
type Transport struct {
	writer  Writer
	reader  Reader
	address string
	router  *wire.Router
	logger  *slog.Logger

	mu     sync.Mutex
	topics map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ cbus.Transport  = (*Transport)(nil)
	_ cbus.BusService = (*Transport)(nil)
)

// New creates a Kafka transport for the endpoint at address. r may be nil for
// produce-only endpoints.
func New(w Writer, r Reader, address string, opts ...Option) *Transport {
	t := &Transport{
		writer:  w,
		reader:  r,
		address: address,
		router:  wire.NewRouter(),
		logger:  slog.Default(),
		topics:  make(map[string]struct{}),
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

func (t *Transport) Address() string { return t.address }

// ServiceName implements bus.Named.
func (t *Transport) ServiceName() string { return "kafka-transport(" + t.address + ")" }

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	return t.write(ctx, wire.EventSubject(env.MessageType), env, berr.ErrPublishFailed, "publish")
}

func (t *Transport) Send(ctx context.Context, env cbus.Envelope, destination string) error {
	return t.write(ctx, wire.EndpointSubject(destination), env, berr.ErrSendFailed, "send")
}

func (t *Transport) write(ctx context.Context, topic string, env cbus.Envelope, wrap error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.writer == nil {
		return fmt.Errorf("kafka %s: %w", label, berr.ErrTransportNotReady)
	}

	val, headers, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("kafka %s: %w", label, err)
	}

	// records of one conversation share a partition
	key := env.CorrelationID
	if key == "" {
		key = env.MessageID
	}

	if err = t.writer.Write(ctx, topic, []byte(key), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka %s write %s: %w", label, topic, errors.Join(wrap, err))
	}

	return nil
}

// Subscribe registers h for messageType. The first handler of a type adds the
// events.<type> topic to the consumer; the last one to leave removes it.
func (t *Transport) Subscribe(messageType string, h cbus.EnvelopeHandler) (cbus.Unsubscribe, error) {
	if t.reader == nil {
		return nil, fmt.Errorf("kafka subscribe %s: %w", messageType, berr.ErrTransportNotReady)
	}

	t.addTopic(wire.EndpointSubject(t.address))

	remove, first := t.router.Subscribe(messageType, h)
	if first {
		t.addTopic(wire.EventSubject(messageType))
	}

	return func() {
		if remove() {
			t.removeTopic(wire.EventSubject(messageType))
		}
	}, nil
}

// Start consumes the endpoint topic and runs the poll loop until Stop.
func (t *Transport) Start(context.Context, cbus.Bus) error {
	if t.reader == nil {
		return nil
	}

	t.addTopic(wire.EndpointSubject(t.address))

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil
	}

	// the loop outlives the Start call
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.poll(ctx, t.done)

	return nil
}

// Stop ends the poll loop and waits for the in-progress batch or ctx.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka stop %s: %w", t.address, ctx.Err())
	}
}

// Dispose stops a poll loop left running.
func (t *Transport) Dispose() error { return t.Stop(context.Background()) }

func (t *Transport) addTopic(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.topics[topic]; ok {
		return
	}

	t.topics[topic] = struct{}{}
	t.reader.AddTopics(topic)
}

func (t *Transport) removeTopic(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.topics[topic]; !ok {
		return
	}

	delete(t.topics, topic)
	t.reader.RemoveTopics(topic)
}

func (t *Transport) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := pollBackoffMin

	for {
		recs, err := t.reader.Poll(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			t.logger.WarnContext(
				ctx,
				"kafka poll failed",
				slog.String("endpoint", t.address),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if len(recs) == 0 {
				if !sleep(ctx, backoff) {
					return
				}

				backoff = min(backoff*2, pollBackoffMax)

				continue
			}
		}

		backoff = pollBackoffMin

		for _, r := range recs {
			env := wire.Decode(r.Value, r.Headers, wire.TypeFromSubject(r.Topic))

			if err := t.router.Dispatch(ctx, env); err != nil {
				t.logger.DebugContext(
					ctx,
					"kafka delivery failed",
					slog.String("topic", r.Topic),
					slog.String("message_type", env.MessageType),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
