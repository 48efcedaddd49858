package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Concrete franz-go based constructor, writer and reader wrappers.

type Config struct {
	Brokers  []string
	Address  string
	ClientID string
	TLS      *tls.Config

	// LeaderAckOnly trades durability for latency; it disables idempotent writes.
	LeaderAckOnly    bool
	Compression      []kgo.CompressionCodec
	AutoCreateTopics bool

	Logger *slog.Logger
}

type kgoClient struct{ cl *kgo.Client }

func (c kgoClient) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

func (c kgoClient) AddTopics(topics ...string) { c.cl.AddConsumeTopics(topics...) }

func (c kgoClient) RemoveTopics(topics ...string) { c.cl.PurgeTopicsFromConsuming(topics...) }

func (c kgoClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		h := make(map[string]string, len(r.Headers))
		for _, rh := range r.Headers {
			h[rh.Key] = string(rh.Value)
		}

		out = append(out, Record{Topic: r.Topic, Key: r.Key, Value: r.Value, Headers: h})
	})

	return out, errors.Join(errs...)
}

// NewWithKgo builds a franz-go client based Transport. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrTransportNotReady)
	}

	if cfg.Address == "" {
		return nil, nil, fmt.Errorf("%w: kafka endpoint address required", berr.ErrTransportNotReady)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		// an endpoint only cares about records produced after it started
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.LeaderAckOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.AutoCreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrTransportNotReady, err)
	}

	c := kgoClient{cl: cl}
	tr := New(c, c, cfg.Address, WithLogger(cfg.Logger))
	cleanup := func() { cl.Close() }

	return tr, cleanup, nil
}
